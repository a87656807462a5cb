package espressif

import (
	"encoding/json"
	"log/slog"

	"github.com/homecenter/coap-server/pkg/persistence"
	"github.com/homecenter/coap-server/pkg/resource"
	"github.com/homecenter/coap-server/pkg/wire"
)

const (
	// Path is the resource path.
	Path = "Espressif"

	// InitialState is the state after startup, DELETE and an empty PUT.
	InitialState = "RECEIVED COMMAND!"

	// Capacity is the size of the state store in bytes.
	Capacity = 150

	// MaxAge is the freshness lifetime of a GET representation in seconds.
	MaxAge = 60
)

// Actuator receives output commands. Implementations must not block.
type Actuator interface {
	Pulse() bool
	Off() bool
}

// StateStore persists the state (optional). Save runs inside handlers on
// the protocol goroutine, so it must not wait for the disk;
// persistence.Writer queues saves for a background goroutine.
type StateStore interface {
	Save(state *persistence.ResourceState) error
	Load(path string) (*persistence.ResourceState, error)
}

// Record is the GET representation.
type Record struct {
	Temperature int    `json:"temperature" cbor:"temperature"`
	Humidity    int    `json:"humidity" cbor:"humidity"`
	State       string `json:"state" cbor:"state"`
}

// Config configures a Resource.
type Config struct {
	Sensor   Sensor
	Actuator Actuator
	Store    StateStore

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Resource is the example resource. Its handlers run on the protocol
// goroutine; the state is not guarded.
type Resource struct {
	cfg   Config
	state []byte
}

// New creates the resource, restoring the stored state if a store is
// configured and holds one.
func New(cfg Config) *Resource {
	if cfg.Sensor == nil {
		cfg.Sensor = NewRandomSensor(nil)
	}
	r := &Resource{cfg: cfg, state: []byte(InitialState)}

	if cfg.Store != nil {
		saved, err := cfg.Store.Load(Path)
		switch {
		case err != nil:
			r.debugLog("state restore failed", "error", err)
		case saved != nil && len(saved.Data) > 0:
			r.state = truncate(saved.Data)
			r.debugLog("state restored", "state", string(r.state))
		}
	}
	return r
}

// Register adds the resource to reg as an observable path.
func (r *Resource) Register(reg *resource.Registry) (*resource.Resource, error) {
	return reg.Register(Path, true, r.Handlers())
}

// Handlers returns the GET, PUT and DELETE handlers.
func (r *Resource) Handlers() resource.Handlers {
	return resource.Handlers{Get: r.get, Put: r.put, Delete: r.delete}
}

// State returns the stored state.
func (r *Resource) State() string { return string(r.state) }

func (r *Resource) get(req *resource.Request) resource.Response {
	t, h := r.cfg.Sensor.Read()
	rec := Record{Temperature: t, Humidity: h, State: string(r.state)}

	format := wire.TextPlain
	if req.HasAccept {
		format = req.Accept
	}

	var body []byte
	var err error
	switch format {
	case wire.TextPlain, wire.AppJSON:
		body, err = json.Marshal(rec)
	case wire.AppCBOR:
		body, err = wire.MarshalCBOR(rec)
	default:
		return resource.Response{Code: wire.NotAcceptable}
	}
	if err != nil {
		r.debugLog("encode record failed", "error", err)
		return resource.Response{Code: wire.InternalServerError}
	}
	return resource.Response{Code: wire.Content, Format: format, HasFormat: true, Body: body, MaxAge: MaxAge}
}

func (r *Resource) put(req *resource.Request) resource.Response {
	code := wire.Changed
	if string(r.state) == InitialState {
		code = wire.Created
	}

	if string(req.Body) == "On" {
		r.actuate(true)
	} else {
		r.actuate(false)
	}

	if len(req.Body) == 0 {
		r.setState([]byte(InitialState))
	} else {
		r.setState(truncate(req.Body))
	}
	return resource.Response{Code: code}
}

func (r *Resource) delete(*resource.Request) resource.Response {
	r.Reset()
	return resource.Response{Code: wire.Deleted}
}

// Reset restores the sentinel state. Call it on the protocol goroutine
// and tell the engine the resource changed.
func (r *Resource) Reset() {
	r.setState([]byte(InitialState))
}

func (r *Resource) actuate(pulse bool) {
	if r.cfg.Actuator == nil {
		return
	}
	var queued bool
	if pulse {
		queued = r.cfg.Actuator.Pulse()
	} else {
		queued = r.cfg.Actuator.Off()
	}
	if !queued {
		r.debugLog("actuator command dropped", "pulse", pulse)
	}
}

func (r *Resource) setState(state []byte) {
	r.state = state
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.Save(&persistence.ResourceState{Path: Path, Data: state}); err != nil {
		r.debugLog("state save failed", "error", err)
	}
}

// truncate copies at most Capacity bytes of b.
func truncate(b []byte) []byte {
	return append([]byte(nil), b[:min(len(b), Capacity)]...)
}

func (r *Resource) debugLog(msg string, args ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(msg, args...)
	}
}
