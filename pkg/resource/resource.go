// Package resource maps URI paths to request handlers.
//
// Resources are registered once at startup; lookups during operation are
// read-only. Handlers run on the protocol goroutine and own whatever
// representation they serve.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/homecenter/coap-server/pkg/wire"
)

// Registry errors.
var (
	// ErrNotFound maps to 4.04 Not Found.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicatePath indicates a second registration of a path.
	ErrDuplicatePath = errors.New("duplicate resource path")

	// ErrMethodNotAllowed maps to 4.05 Method Not Allowed.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrInvalidPath indicates an unusable path at registration.
	ErrInvalidPath = errors.New("invalid resource path")
)

// Request is a decoded request as handlers see it. Body is the complete,
// reassembled payload.
type Request struct {
	Method    wire.Code
	Path      string
	Queries   []string
	Accept    wire.MediaType
	HasAccept bool
	Format    wire.MediaType
	HasFormat bool
	Body      []byte

	// SessionID identifies the requesting session.
	SessionID string
}

// Response is what a handler returns.
type Response struct {
	Code      wire.Code
	Format    wire.MediaType
	HasFormat bool
	Body      []byte

	// MaxAge in seconds; zero omits the option.
	MaxAge uint32
}

// HandlerFunc serves one method on a resource.
type HandlerFunc func(req *Request) Response

// Handlers is the handler set of a resource. A nil handler answers 4.05.
type Handlers struct {
	Get    HandlerFunc
	Put    HandlerFunc
	Delete HandlerFunc
}

// Resource is a registered path.
type Resource struct {
	path       string
	observable bool
	handlers   Handlers
}

// Path returns the normalized path without a leading slash.
func (r *Resource) Path() string { return r.path }

// Observable reports whether GET may register observers.
func (r *Resource) Observable() bool { return r.observable }

// Handler returns the handler for method.
func (r *Resource) Handler(method wire.Code) (HandlerFunc, error) {
	var h HandlerFunc
	switch method {
	case wire.GET:
		h = r.handlers.Get
	case wire.PUT:
		h = r.handlers.Put
	case wire.DELETE:
		h = r.handlers.Delete
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s /%s", ErrMethodNotAllowed, method, r.path)
	}
	return h, nil
}

// Serve runs the handler for req.Method.
func (r *Resource) Serve(req *Request) (Response, error) {
	h, err := r.Handler(req.Method)
	if err != nil {
		return Response{}, err
	}
	return h(req), nil
}

// Registry maps paths to resources.
type Registry struct {
	resources map[string]*Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Normalize strips leading and trailing slashes.
func Normalize(path string) string {
	return strings.Trim(path, "/")
}

// Register adds a resource at path.
func (r *Registry) Register(path string, observable bool, h Handlers) (*Resource, error) {
	p := Normalize(path)
	if p == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if _, ok := r.resources[p]; ok {
		return nil, fmt.Errorf("%w: /%s", ErrDuplicatePath, p)
	}
	res := &Resource{path: p, observable: observable, handlers: h}
	r.resources[p] = res
	return res, nil
}

// Lookup returns the resource at path.
func (r *Registry) Lookup(path string) (*Resource, error) {
	res, ok := r.resources[Normalize(path)]
	if !ok {
		return nil, fmt.Errorf("%w: /%s", ErrNotFound, Normalize(path))
	}
	return res, nil
}

// Paths returns the registered paths in sorted order.
func (r *Registry) Paths() []string {
	out := make([]string, 0, len(r.resources))
	for p := range r.resources {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered resources.
func (r *Registry) Len() int { return len(r.resources) }
