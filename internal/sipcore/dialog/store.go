package dialog

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/sebas/sipcore/internal/sipcore/events"
	"github.com/sebas/sipcore/internal/sipcore/metrics"
)

// Stop reasons that are not bare status codes
const (
	ReasonCallerBye = "caller_bye"
	ReasonCalleeBye = "callee_bye"
)

// Store is the in-process dialog map. All writes go through Update; a
// terminal update removes the dialog, and its id never resolves again.
//
// The per-call actor serializes handlers for one dialog id; the store's own
// lock only protects the map against handlers of different calls.
type Store struct {
	mu      sync.RWMutex
	dialogs map[ID]*Dialog

	app     string
	pub     events.Publisher
	metrics *metrics.Collector
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithPublisher attaches the event publisher
func WithPublisher(pub events.Publisher) StoreOption {
	return func(s *Store) { s.pub = pub }
}

// WithMetrics attaches the metrics collector
func WithMetrics(m *metrics.Collector) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a dialog store
func NewStore(app string, opts ...StoreOption) *Store {
	s := &Store{
		dialogs: make(map[ID]*Dialog),
		app:     app,
		pub:     events.NewNoopPublisher(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Find returns the dialog with the given id, if tracked
func (s *Store) Find(id ID) (*Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogs[id]
	return d, ok
}

// Insert starts tracking a freshly created dialog
func (s *Store) Insert(d *Dialog) {
	s.mu.Lock()
	s.dialogs[d.ID] = d
	s.mu.Unlock()

	s.metrics.DialogCreated()
	s.pub.Publish(events.DialogEvent(events.DialogCreated, s.app, string(d.ID), 0, ""))
	slog.Debug("[DSM] Dialog created", "id", d.ID, "call_id", d.CallID)
}

// Update is the single write path: it persists the modified dialog and
// fires the event callbacks. A DialogStopped event is terminal and removes
// the dialog instead.
func (s *Store) Update(event events.Type, d *Dialog) {
	if event == events.DialogStopped {
		s.Stop(0, "", d)
		return
	}

	s.mu.Lock()
	s.dialogs[d.ID] = d
	s.mu.Unlock()

	switch event {
	case events.DialogEarly:
		d.advance(evProvisional)
	case events.DialogAccepted, events.DialogConfirmed:
		d.advance(evEstablish)
	}

	s.pub.Publish(events.DialogEvent(event, s.app, string(d.ID), 0, ""))
}

// Stop terminally updates a dialog: it leaves the store, its lifecycle
// machine terminates, and the stop event carries the RFC 5057 ending code
// or the bye reason.
func (s *Store) Stop(code int, reason string, d *Dialog) {
	s.mu.Lock()
	_, tracked := s.dialogs[d.ID]
	delete(s.dialogs, d.ID)
	s.mu.Unlock()

	if !tracked && d.Terminated() {
		// Already stopped; a repeated stop is a no-op
		return
	}

	if d.Invite != nil && d.Invite.Status != StatusBye {
		d.Invite.Status = StatusBye
	}
	d.advance(evTerminate)

	label := reason
	if label == "" {
		label = strconv.Itoa(code)
	}
	s.metrics.DialogStopped(label)
	s.pub.Publish(events.DialogEvent(events.DialogStopped, s.app, string(d.ID), code, reason))
	slog.Debug("[DSM] Dialog stopped", "id", d.ID, "code", code, "reason", reason)
}

// discard forgets a dialog that never completed creation, without firing
// the terminal event machinery
func (s *Store) discard(id ID) {
	s.mu.Lock()
	delete(s.dialogs, id)
	s.mu.Unlock()
	s.metrics.DialogStopped("discarded")
}

// List returns a snapshot of all tracked dialogs
func (s *Store) List() []*Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dialog, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		out = append(out, d)
	}
	return out
}

// Len returns the number of tracked dialogs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dialogs)
}
