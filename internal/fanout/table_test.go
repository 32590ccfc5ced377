package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change-sync/internal/models"
)

func hints(seq int64) []models.Hint {
	return []models.Hint{{Sequence: seq, EntityType: models.EntityTask, EntityID: "t1", Operation: models.OpUpdate}}
}

func TestNotifySkipsOriginDevice(t *testing.T) {
	tbl := NewTable(4)
	now := time.Now()
	a := tbl.Attach("dev-a", "user-1", now)
	b := tbl.Attach("dev-b", "user-1", now)

	sent, dropped := tbl.Notify(hints(1), "dev-a")
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, dropped)

	select {
	case got := <-b.Hints():
		require.Len(t, got, 1)
		assert.EqualValues(t, 1, got[0].Sequence)
	default:
		t.Fatal("dev-b got nothing")
	}
	select {
	case <-a.Hints():
		t.Fatal("origin session was notified")
	default:
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	tbl := NewTable(1)
	tbl.Attach("dev-b", "user-1", time.Now())

	sent, dropped := tbl.Notify(hints(1), "dev-a")
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, dropped)

	// Buffer is full and nobody is draining; the batch is dropped.
	sent, dropped = tbl.Notify(hints(2), "dev-a")
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, dropped)
}

func TestDetachClosesSession(t *testing.T) {
	tbl := NewTable(4)
	s := tbl.Attach("dev-a", "user-1", time.Now())
	require.True(t, tbl.HasDevice("dev-a"))
	require.Equal(t, 1, tbl.Len())

	require.True(t, tbl.Detach(s.SessionID))
	assert.False(t, tbl.HasDevice("dev-a"))
	assert.Equal(t, 0, tbl.Len())

	_, open := <-s.Hints()
	assert.False(t, open)

	assert.False(t, tbl.Detach(s.SessionID))
}

func TestSessionIdentity(t *testing.T) {
	tbl := NewTable(4)
	s1 := tbl.Attach("dev-a", "user-1", time.Now())
	s2 := tbl.Attach("dev-a", "user-1", time.Now())
	assert.NotEqual(t, s1.SessionID, s2.SessionID)

	// One device, two sessions: detaching one keeps the device live.
	tbl.Detach(s1.SessionID)
	assert.True(t, tbl.HasDevice("dev-a"))
}
