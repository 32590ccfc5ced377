package fanout

import (
	"time"

	"github.com/google/uuid"

	"change-sync/internal/models"
)

// LiveSession is one attached device connection. The transport (an SSE
// handler today) drains Hints; everything else belongs to the owning actor.
type LiveSession struct {
	models.Session
	hints chan []models.Hint
}

// Hints is the stream of fanout notifications for this session.
func (s *LiveSession) Hints() <-chan []models.Hint {
	return s.hints
}

// Table holds the live sessions of one account. It is not safe for
// concurrent use: every call must come from the account's actor loop.
type Table struct {
	buffer   int
	sessions map[string]*LiveSession
}

func NewTable(buffer int) *Table {
	if buffer <= 0 {
		buffer = 64
	}
	return &Table{buffer: buffer, sessions: make(map[string]*LiveSession)}
}

func (t *Table) Attach(deviceID, actorUserID string, now time.Time) *LiveSession {
	s := &LiveSession{
		Session: models.Session{
			SessionID:   uuid.NewString(),
			DeviceID:    deviceID,
			ActorUserID: actorUserID,
			ConnectedAt: now,
		},
		hints: make(chan []models.Hint, t.buffer),
	}
	t.sessions[s.SessionID] = s
	return s
}

func (t *Table) Detach(sessionID string) bool {
	s, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	delete(t.sessions, sessionID)
	close(s.hints)
	return true
}

// Notify delivers hints to every session except those of the origin device.
// Sends never block: a session whose buffer is full loses the batch and
// catches up through its backlog. Returns delivered and dropped counts.
func (t *Table) Notify(hints []models.Hint, excludeDeviceID string) (int, int) {
	if len(hints) == 0 {
		return 0, 0
	}
	sent, dropped := 0, 0
	for _, s := range t.sessions {
		if s.DeviceID == excludeDeviceID {
			continue
		}
		select {
		case s.hints <- hints:
			sent++
		default:
			dropped++
		}
	}
	return sent, dropped
}

func (t *Table) Len() int {
	return len(t.sessions)
}

// HasDevice reports whether any session belongs to the device.
func (t *Table) HasDevice(deviceID string) bool {
	for _, s := range t.sessions {
		if s.DeviceID == deviceID {
			return true
		}
	}
	return false
}
