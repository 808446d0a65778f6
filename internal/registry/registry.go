// Package registry keeps the supervisor's view of live agent connections,
// keyed by the resource each agent monitors.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bilal/switchify-netmon/internal/protocol"
)

var (
	// ErrDuplicateResource is returned when a resource already has a live connection.
	ErrDuplicateResource = errors.New("resource already has a live connection")

	// ErrNotRegistered is returned for resources without a live connection.
	ErrNotRegistered = errors.New("resource not registered")

	// ErrStateRegression is returned when a transition would move a connection backwards.
	ErrStateRegression = errors.New("protocol state cannot move backwards")
)

// State is the protocol state of one connection. States are ordered; a
// connection only ever moves forward.
type State int

const (
	AwaitingReady State = iota
	AwaitingHandshakeAck
	Monitoring
	AwaitingDoneOrReport
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingReady:
		return "awaiting_ready"
	case AwaitingHandshakeAck:
		return "awaiting_handshake_ack"
	case Monitoring:
		return "monitoring"
	case AwaitingDoneOrReport:
		return "awaiting_done_or_report"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handshaken reports whether the connection completed the handshake.
func (s State) Handshaken() bool {
	return s >= Monitoring
}

// Entry is one agent connection.
type Entry struct {
	Resource string
	Session  uuid.UUID
	PID      int
	Conn     *protocol.Conn

	state        State
	connectedAt  time.Time
	lastReported string
	lastSnapshot *protocol.TelemetrySnapshot
	reports      uint64
	remediations uint64
}

// NewEntry creates an entry in AwaitingReady for a freshly accepted connection.
func NewEntry(resource string, pid int, conn *protocol.Conn) *Entry {
	return &Entry{
		Resource:    resource,
		Session:     uuid.New(),
		PID:         pid,
		Conn:        conn,
		state:       AwaitingReady,
		connectedAt: time.Now(),
	}
}

// View is a copy of an entry safe to hand to other goroutines.
type View struct {
	Resource     string                      `json:"resource"`
	Session      string                      `json:"session"`
	PID          int                         `json:"pid"`
	State        string                      `json:"state"`
	ConnectedAt  time.Time                   `json:"connected_at"`
	LastReported string                      `json:"last_reported,omitempty"`
	LastSnapshot *protocol.TelemetrySnapshot `json:"last_snapshot,omitempty"`
	Reports      uint64                      `json:"reports"`
	Remediations uint64                      `json:"remediations"`
}

// Registry maps resources to their live connection. The supervisor's
// dispatch loop is the only writer; the health endpoint reads concurrently,
// so everything goes through one coarse lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds e. A resource may only have one live connection.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Resource]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateResource, e.Resource)
	}
	r.entries[e.Resource] = e
	r.order = append(r.order, e.Resource)
	return nil
}

// Get returns the live entry for resource.
func (r *Registry) Get(resource string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[resource]
	return e, ok
}

// Lookup returns the entry only if it still belongs to session.
func (r *Registry) Lookup(resource string, session uuid.UUID) (*Entry, bool) {
	e, ok := r.Get(resource)
	if !ok || e.Session != session {
		return nil, false
	}
	return e, true
}

// State returns the current protocol state of resource, Closed if absent.
func (r *Registry) State(resource string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[resource]; ok {
		return e.state
	}
	return Closed
}

// Advance moves resource to next. Staying in the same state is allowed;
// moving backwards is not.
func (r *Registry) Advance(resource string, next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[resource]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, resource)
	}
	if next < e.state {
		return fmt.Errorf("%w: %s %s -> %s", ErrStateRegression, resource, e.state, next)
	}
	e.state = next
	return nil
}

// RecordReport stores the latest snapshot for resource.
func (r *Registry) RecordReport(resource string, snap protocol.TelemetrySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[resource]; ok {
		e.lastReported = snap.Interface
		e.lastSnapshot = &snap
		e.reports++
	}
}

// RecordRemediation counts a SetLinkUp sent to resource.
func (r *Registry) RecordRemediation(resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[resource]; ok {
		e.remediations++
	}
}

// Remove drops resource and marks its entry Closed. The caller closes the
// connection.
func (r *Registry) Remove(resource string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[resource]
	if !ok {
		return nil, false
	}
	e.state = Closed
	delete(r.entries, resource)
	for i, name := range r.order {
		if name == resource {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e, true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns the live entries in registration order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Views returns copies of the live entries in registration order.
func (r *Registry) Views() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		v := View{
			Resource:     e.Resource,
			Session:      e.Session.String(),
			PID:          e.PID,
			State:        e.state.String(),
			ConnectedAt:  e.connectedAt,
			LastReported: e.lastReported,
			Reports:      e.reports,
			Remediations: e.remediations,
		}
		if e.lastSnapshot != nil {
			snap := *e.lastSnapshot
			v.LastSnapshot = &snap
		}
		out = append(out, v)
	}
	return out
}
