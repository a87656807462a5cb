package engine

import (
	"errors"
	"fmt"

	"github.com/homecenter/coap-server/pkg/observe"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/session"
	"github.com/homecenter/coap-server/pkg/wire"
)

// handle serves m and returns the response plus the resource whose
// observers must be notified, if any.
func (e *Engine) handle(s *session.Session, m *wire.Message) (*wire.Message, *resource.Resource) {
	if id, ok := m.UnknownCritical(); ok {
		return errorResponse(m, wire.BadOption, fmt.Errorf("unknown critical option %d", id)), nil
	}

	path := m.Path()
	res, err := e.cfg.Registry.Lookup(path)
	if err != nil {
		return errorResponse(m, wire.NotFound, err), nil
	}
	if _, err := res.Handler(m.Code); err != nil {
		return errorResponse(m, wire.MethodNotAllowed, err), nil
	}

	req := &resource.Request{
		Method:    m.Code,
		Path:      res.Path(),
		Queries:   m.Queries(),
		Body:      m.Payload,
		SessionID: s.ID(),
	}
	req.Accept, req.HasAccept = m.Accept()
	req.Format, req.HasFormat = m.ContentFormat()

	if m.Code == wire.GET {
		return e.get(s, m, res, req), nil
	}

	blk1, hasBlk1, err := m.Block1()
	if err != nil {
		return errorResponse(m, wire.BadRequest, err), nil
	}
	if hasBlk1 {
		size1, _ := m.Size1()
		body, done, err := e.cfg.Store.Append(s.ID(), m.Token, req.Path, blk1, m.Payload, size1)
		switch {
		case err != nil:
			return errorResponse(m, wire.RequestEntityIncomplete, err), nil
		case !done:
			resp := &wire.Message{Code: wire.Continue, Token: m.Token}
			resp.SetBlock1(wire.Block{Num: blk1.Num, More: true, SZX: blk1.SZX})
			return resp, nil
		}
		req.Body = body
	}

	out, err := res.Serve(req)
	if err != nil {
		return errorResponse(m, wire.MethodNotAllowed, err), nil
	}
	resp := &wire.Message{Code: out.Code, Token: m.Token}
	setRepresentation(resp, out)
	resp.Payload = out.Body
	if hasBlk1 {
		resp.SetBlock1(wire.Block{Num: blk1.Num, SZX: blk1.SZX})
	}

	if out.Code.Class() == 2 && res.Observable() {
		return resp, res
	}
	return resp, nil
}

// get serves a GET, including observe registration and Block2 transfer.
func (e *Engine) get(s *session.Session, m *wire.Message, res *resource.Resource, req *resource.Request) *wire.Message {
	blk2, hasBlk2, err := m.Block2()
	if err != nil {
		return errorResponse(m, wire.BadRequest, err)
	}
	szx := e.cfg.BlockSZX
	if hasBlk2 && blk2.SZX < szx {
		szx = blk2.SZX
	}
	num := uint32(0)
	if hasBlk2 {
		num = blk2.Num
	}

	observing := false
	if num == 0 && e.cfg.Notifier != nil {
		observing = e.updateObserver(s, m, res, req)
	}

	var out resource.Response
	var etag []byte
	if num > 0 {
		if d, ok := e.cfg.Store.Cached(s.ID(), req.Path); ok {
			out, etag = d.Response, d.ETag
		}
	}
	if etag == nil {
		out, err = res.Serve(req)
		if err != nil {
			return errorResponse(m, wire.MethodNotAllowed, err)
		}
	}

	resp := &wire.Message{Code: out.Code, Token: m.Token}
	setRepresentation(resp, out)

	if observing {
		if out.Code.Class() == 2 {
			resp.SetObserve(e.cfg.Notifier.Sequence(req.Path))
		} else {
			_ = e.cfg.Notifier.Unsubscribe(req.Path, s.ID())
		}
	}

	if !hasBlk2 && len(out.Body) <= blockSize(szx) {
		resp.Payload = out.Body
		return resp
	}

	chunk, blk, ok := wire.Fragment(out.Body, num, szx)
	if !ok {
		e.cfg.Store.Release(s.ID(), req.Path)
		return errorResponse(m, wire.BadRequest, fmt.Errorf("block %d beyond %d byte body", num, len(out.Body)))
	}
	switch {
	case blk.More && etag == nil:
		etag = e.cfg.Store.Cache(s.ID(), req.Path, out)
	case !blk.More && num > 0:
		e.cfg.Store.Release(s.ID(), req.Path)
	}
	if etag != nil {
		resp.SetETag(etag)
	}
	resp.SetBlock2(blk)
	if num == 0 {
		resp.SetSize2(uint32(len(out.Body)))
	}
	resp.Payload = chunk
	return resp
}

// updateObserver applies the Observe option of a GET. It reports whether
// the response confirms a registration.
func (e *Engine) updateObserver(s *session.Session, m *wire.Message, res *resource.Resource, req *resource.Request) bool {
	n := e.cfg.Notifier
	obs, ok := m.Observe()
	switch {
	case !ok:
		if n.UnsubscribeToken(req.Path, s.ID(), m.Token) {
			e.debugLog("observer removed by plain GET", "path", req.Path, "session", s.ID())
		}
		return false

	case obs == wire.ObserveRegister:
		if _, err := n.Subscribe(res, s, m.Token, req); err != nil {
			// Served as a plain GET.
			e.debugLog("observe registration refused", "path", req.Path, "session", s.ID(), "error", err)
			return false
		}
		return true

	case obs == wire.ObserveDeregister:
		if err := n.Unsubscribe(req.Path, s.ID()); err != nil && !errors.Is(err, observe.ErrObserverNotFound) {
			e.debugLog("observe deregistration failed", "path", req.Path, "error", err)
		}
	}
	return false
}

// FillNotification shapes an observe notification. A representation
// larger than one block is cached and its first block sent with Block2;
// the client fetches the rest with GET.
func (e *Engine) FillNotification(o *observe.Observer, resp resource.Response, m *wire.Message) {
	m.Code = resp.Code
	setRepresentation(m, resp)

	szx := e.cfg.BlockSZX
	if len(resp.Body) <= blockSize(szx) {
		m.Payload = resp.Body
		return
	}
	tag := e.cfg.Store.Cache(o.SessionID(), o.Path, resp)
	chunk, blk, _ := wire.Fragment(resp.Body, 0, szx)
	m.SetETag(tag)
	m.SetBlock2(blk)
	m.SetSize2(uint32(len(resp.Body)))
	m.Payload = chunk
}

func setRepresentation(m *wire.Message, r resource.Response) {
	if r.HasFormat {
		m.SetContentFormat(r.Format)
	}
	if r.MaxAge > 0 {
		m.SetMaxAge(r.MaxAge)
	}
}

func errorResponse(req *wire.Message, code wire.Code, err error) *wire.Message {
	return &wire.Message{Code: code, Token: req.Token, Payload: diagnostic(err)}
}

func blockSize(szx uint8) int { return 1 << (szx + 4) }
