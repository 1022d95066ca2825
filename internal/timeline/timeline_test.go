package timeline

import (
	"testing"
	"time"

	"campuslink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(id uint, ref string, at time.Time) *models.Message {
	return &models.Message{ID: id, ClientRef: ref, Content: "m", CreatedAt: at}
}

func TestTimeline_OptimisticSendConverges(t *testing.T) {
	tl := New()
	base := time.Now()

	tl.AppendPending("ref-1", &models.Message{ClientRef: "ref-1", Content: "hello"})
	require.Equal(t, 1, tl.PendingCount())
	assert.Empty(t, tl.Messages())

	confirmed := msgAt(10, "ref-1", base)
	tl.Confirm("ref-1", confirmed)

	// The realtime echo of the same message arrives afterwards.
	tl.Apply(msgAt(10, "ref-1", base))

	msgs := tl.Messages()
	require.Len(t, msgs, 1, "send response plus echo must collapse to one entry")
	assert.Equal(t, uint(10), msgs[0].ID)
	assert.Zero(t, tl.PendingCount())
}

func TestTimeline_EchoBeatsConfirmation(t *testing.T) {
	tl := New()
	base := time.Now()

	tl.AppendPending("ref-2", &models.Message{ClientRef: "ref-2", Content: "fast echo"})

	// Echo lands before the send call returns; the ref match retires the
	// pending entry.
	tl.Apply(msgAt(7, "ref-2", base))
	assert.Zero(t, tl.PendingCount())

	tl.Confirm("ref-2", msgAt(7, "ref-2", base))

	require.Len(t, tl.Messages(), 1)
}

func TestTimeline_DuplicateApplyIsDropped(t *testing.T) {
	tl := New()
	base := time.Now()

	m := msgAt(3, "", base)
	tl.Apply(m)
	tl.Apply(m)
	tl.Apply(msgAt(3, "", base))

	assert.Len(t, tl.Messages(), 1)
}

func TestTimeline_Ordering(t *testing.T) {
	tl := New()
	base := time.Now()

	tl.Apply(msgAt(5, "", base.Add(2*time.Second)))
	tl.Apply(msgAt(2, "", base))
	tl.Apply(msgAt(9, "", base.Add(time.Second)))
	// Same timestamp as id 9; id breaks the tie.
	tl.Apply(msgAt(8, "", base.Add(time.Second)))

	msgs := tl.Messages()
	require.Len(t, msgs, 4)
	got := []uint{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID}
	assert.Equal(t, []uint{2, 8, 9, 5}, got)
}

func TestTimeline_FailedSendStaysVisible(t *testing.T) {
	tl := New()
	base := time.Now()

	tl.Apply(msgAt(1, "", base))
	tl.AppendPending("ref-x", &models.Message{ClientRef: "ref-x", Content: "doomed"})
	tl.Fail("ref-x")

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, StatusFailed, entries[1].Status)
	assert.Equal(t, "doomed", entries[1].Message.Content)

	// Retrying under the same ref resets the entry instead of duplicating it.
	tl.AppendPending("ref-x", &models.Message{ClientRef: "ref-x", Content: "retried"})
	entries = tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, StatusPending, entries[1].Status)
	assert.Equal(t, "retried", entries[1].Message.Content)

	tl.Confirm("ref-x", msgAt(2, "ref-x", base.Add(time.Second)))
	assert.Len(t, tl.Messages(), 2)
	assert.Zero(t, tl.PendingCount())
}

func TestTimeline_FailUnknownRefIsNoop(t *testing.T) {
	tl := New()
	tl.Fail("never-queued")
	assert.Zero(t, tl.PendingCount())
	assert.Empty(t, tl.Entries())
}
