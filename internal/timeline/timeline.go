// Package timeline maintains a client-side view of one conversation's
// messages. It merges three sources that can all deliver the same logical
// message: the optimistic local append, the send response, and the realtime
// echo. Deduplication is by server ID and by client ref, so the view ends up
// with exactly one entry per message no matter how many paths delivered it.
package timeline

import (
	"sort"
	"sync"

	"campuslink/internal/models"
)

// Status describes an entry's delivery state.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

// Entry is one row of the rendered timeline.
type Entry struct {
	Message *models.Message
	Ref     string
	Status  Status
}

// Timeline is the merged message view for a single conversation. Confirmed
// messages sort by (created_at, id); pending and failed sends render after
// them in the order they were queued. Safe for concurrent use.
type Timeline struct {
	mu        sync.Mutex
	confirmed []*models.Message
	byID      map[uint]bool
	pending   []*Entry
	byRef     map[string]*Entry
}

// New returns an empty Timeline.
func New() *Timeline {
	return &Timeline{
		byID:  make(map[uint]bool),
		byRef: make(map[string]*Entry),
	}
}

// AppendPending queues an optimistic local send under the given client ref.
// A duplicate ref resets the existing entry to pending instead of adding a
// second row, so retrying a failed send keeps one entry.
func (t *Timeline) AppendPending(ref string, msg *models.Message) {
	if ref == "" || msg == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byRef[ref]; ok {
		existing.Message = msg
		existing.Status = StatusPending
		return
	}
	entry := &Entry{Message: msg, Ref: ref, Status: StatusPending}
	t.pending = append(t.pending, entry)
	t.byRef[ref] = entry
}

// Confirm replaces the pending entry for ref with the server-assigned
// message. Confirming a ref that was never queued, or that the realtime echo
// already resolved, just applies the message.
func (t *Timeline) Confirm(ref string, msg *models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolve(ref, msg)
}

// Fail marks the pending entry for ref as failed. The entry stays visible so
// the viewer can see the send did not go through. Unknown refs are ignored.
func (t *Timeline) Fail(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.byRef[ref]; ok {
		entry.Status = StatusFailed
	}
}

// Apply merges a message from the realtime feed or a history page. If the
// message carries a client ref matching a pending entry, that entry is
// resolved; a message whose server ID is already present is dropped.
func (t *Timeline) Apply(msg *models.Message) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolve(msg.ClientRef, msg)
}

// resolve inserts msg as confirmed, retiring any pending entry under ref.
// Callers hold t.mu.
func (t *Timeline) resolve(ref string, msg *models.Message) {
	if msg == nil || msg.ID == 0 {
		return
	}

	if entry, ok := t.byRef[ref]; ok {
		delete(t.byRef, ref)
		for i, p := range t.pending {
			if p == entry {
				t.pending = append(t.pending[:i], t.pending[i+1:]...)
				break
			}
		}
	}

	if t.byID[msg.ID] {
		return
	}
	t.byID[msg.ID] = true

	i := sort.Search(len(t.confirmed), func(i int) bool {
		c := t.confirmed[i]
		if c.CreatedAt.Equal(msg.CreatedAt) {
			return c.ID > msg.ID
		}
		return c.CreatedAt.After(msg.CreatedAt)
	})
	t.confirmed = append(t.confirmed, nil)
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = msg
}

// Messages returns the confirmed messages in (created_at, id) order.
func (t *Timeline) Messages() []*models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*models.Message, len(t.confirmed))
	copy(out, t.confirmed)
	return out
}

// Entries returns the full rendered view: confirmed messages first, then
// pending and failed sends in queue order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		out = append(out, Entry{Message: m, Ref: m.ClientRef, Status: StatusConfirmed})
	}
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}

// PendingCount reports how many sends are still awaiting confirmation,
// including failed ones that have not been retried or cleared.
func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
