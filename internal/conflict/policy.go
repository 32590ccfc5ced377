package conflict

import (
	"fmt"

	"change-sync/internal/models"
)

// Decision is the outcome of evaluating one incoming change against the
// recent log history for the same entity.
type Decision int

const (
	// Accept means no concurrent edit was found; append normally.
	Accept Decision = iota
	// AcceptWithOverride means concurrent edits exist and the incoming
	// change wins; prior entries stay in the log for audit and are reported
	// back to the pusher.
	AcceptWithOverride
	// ManualRequired means the change is refused and the client has to
	// reconcile against the reported entries before resubmitting.
	ManualRequired
)

// Result carries the decision plus the prior entries that collided with the
// incoming change, newest first.
type Result struct {
	Decision  Decision
	Conflicts []models.ChangeEntry
}

// Policy decides how concurrent edits to the same entity are handled. The
// caller hands it the recent same-entity window; the policy never touches
// storage, which keeps replacements (field merge, vector clocks) drop-in.
type Policy interface {
	Name() string
	Evaluate(incoming models.Change, originDeviceID string, recent []models.ChangeEntry) Result
}

const (
	PolicyLastWriteWins = "last-write-wins"
	PolicyManual        = "manual"
)

// ForName returns the policy registered under name.
func ForName(name string) (Policy, error) {
	switch name {
	case "", PolicyLastWriteWins:
		return LastWriteWins{}, nil
	case PolicyManual:
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

// LastWriteWins accepts every change; when another device edited the same
// entity recently, the incoming change still becomes authoritative and the
// earlier entries are surfaced as conflicts. Concurrent edits are lost, which
// is the documented trade-off of this policy.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return PolicyLastWriteWins }

func (LastWriteWins) Evaluate(incoming models.Change, originDeviceID string, recent []models.ChangeEntry) Result {
	conflicts := foreignEntries(recent, originDeviceID)
	if len(conflicts) == 0 {
		return Result{Decision: Accept}
	}
	return Result{Decision: AcceptWithOverride, Conflicts: conflicts}
}

// Manual refuses changes that collide with another device's recent edits
// instead of overriding them.
type Manual struct{}

func (Manual) Name() string { return PolicyManual }

func (Manual) Evaluate(incoming models.Change, originDeviceID string, recent []models.ChangeEntry) Result {
	conflicts := foreignEntries(recent, originDeviceID)
	if len(conflicts) == 0 {
		return Result{Decision: Accept}
	}
	return Result{Decision: ManualRequired, Conflicts: conflicts}
}

func foreignEntries(recent []models.ChangeEntry, originDeviceID string) []models.ChangeEntry {
	var out []models.ChangeEntry
	for _, e := range recent {
		if e.OriginDeviceID != originDeviceID {
			out = append(out, e)
		}
	}
	return out
}
