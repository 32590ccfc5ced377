package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"change-sync/internal/conflict"
	"change-sync/internal/logging"
	"change-sync/internal/models"
	"change-sync/internal/repos"
)

func newTestStore(t *testing.T) *repos.SyncRepo {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stmts := []string{
		`CREATE TABLE change_log (
			account_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			origin_device_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			actor_user_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (account_id, seq)
		);`,
		`CREATE INDEX idx_change_log_entity ON change_log (account_id, entity_type, entity_id, seq);`,
		`CREATE TABLE devices (
			account_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			last_sync_at DATETIME NOT NULL,
			last_acked_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, device_id)
		);`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return repos.NewSyncRepo(db)
}

func newTestActor(t *testing.T, store Store, opts Options) *Actor {
	t.Helper()
	a, err := New("acct-1", store, opts, logging.New("error"))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func change(entityID string, op models.Operation) models.Change {
	return models.Change{
		EntityType:  models.EntityTask,
		EntityID:    entityID,
		Operation:   op,
		Fields:      json.RawMessage(`{"title":"x"}`),
		ActorUserID: "user-1",
	}
}

func pushFrom(t *testing.T, a *Actor, deviceID string, changes ...models.Change) PushResult {
	t.Helper()
	res, err := a.Push(context.Background(), PushInput{
		DeviceID: deviceID,
		Changes:  changes,
	})
	require.NoError(t, err)
	return res
}

func TestSequenceMonotonicPerPush(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})

	res := pushFrom(t, a, "dev-a",
		change("t1", models.OpCreate),
		change("t2", models.OpCreate),
		change("t3", models.OpCreate),
	)
	require.Equal(t, 3, res.AcceptedCount)
	require.EqualValues(t, 3, res.CurrentSequence)

	pull, err := a.Pull(context.Background(), PullInput{DeviceID: "dev-a", SinceSequence: 0})
	require.NoError(t, err)
	require.Len(t, pull.Changes, 3)
	for i, e := range pull.Changes {
		assert.EqualValues(t, i+1, e.Sequence)
	}
}

func TestOfflineDevicePullsEverything(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})

	res := pushFrom(t, a, "dev-a", change("t1", models.OpCreate))
	require.EqualValues(t, 1, res.CurrentSequence)

	pull, err := a.Pull(context.Background(), PullInput{DeviceID: "dev-b", SinceSequence: 0})
	require.NoError(t, err)
	require.Len(t, pull.Changes, 1)
	assert.Equal(t, "t1", pull.Changes[0].EntityID)
	assert.EqualValues(t, 1, pull.CurrentSequence)
	assert.False(t, pull.HistoryTruncated)
	assert.False(t, pull.HasMore)
}

func TestLastWriteWinsReportsAndAppends(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})

	pushFrom(t, a, "dev-a", change("t2", models.OpUpdate))

	res := pushFrom(t, a, "dev-b", change("t2", models.OpUpdate))
	require.Equal(t, 1, res.AcceptedCount)
	require.Equal(t, 1, res.ConflictsCount)
	require.EqualValues(t, 2, res.CurrentSequence)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "override", res.Conflicts[0].Resolution)
	require.Len(t, res.Conflicts[0].Existing, 1)
	assert.Equal(t, "dev-a", res.Conflicts[0].Existing[0].OriginDeviceID)
}

func TestManualPolicyRefusesConflictingChange(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{Policy: conflict.Manual{}})

	pushFrom(t, a, "dev-a", change("t9", models.OpUpdate))

	res := pushFrom(t, a, "dev-b", change("t9", models.OpUpdate))
	assert.Equal(t, 0, res.AcceptedCount)
	assert.Equal(t, 1, res.ConflictsCount)
	assert.EqualValues(t, 1, res.CurrentSequence)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "manual", res.Conflicts[0].Resolution)
}

func TestAcknowledgePrunesBacklog(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	// dev-c registers, then dev-a produces entries 1..6.
	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-c"})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}

	acked, err := a.Acknowledge(ctx, "dev-c", 2)
	require.NoError(t, err)
	require.EqualValues(t, 2, acked)

	backlog, err := a.Backlog(ctx, "dev-c")
	require.NoError(t, err)
	require.Len(t, backlog, 4)
	assert.EqualValues(t, 3, backlog[0].Sequence)

	acked, err = a.Acknowledge(ctx, "dev-c", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, acked)

	backlog, err = a.Backlog(ctx, "dev-c")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.EqualValues(t, 6, backlog[0].Sequence)
}

func TestAcknowledgeNeverRegresses(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-c"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}

	acked, err := a.Acknowledge(ctx, "dev-c", 5)
	require.NoError(t, err)
	require.EqualValues(t, 5, acked)

	acked, err = a.Acknowledge(ctx, "dev-c", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, acked, "bookmark must not move backwards")
}

func TestBacklogExcludesOriginDevice(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	pushFrom(t, a, "dev-a", change("t1", models.OpCreate))
	pushFrom(t, a, "dev-b", change("t2", models.OpCreate))

	backlogA, err := a.Backlog(ctx, "dev-a")
	require.NoError(t, err)
	require.Len(t, backlogA, 1)
	assert.Equal(t, "dev-b", backlogA[0].OriginDeviceID)

	backlogB, err := a.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	require.Len(t, backlogB, 1)
	assert.Equal(t, "dev-a", backlogB[0].OriginDeviceID)
}

func TestSizeCapEvictsOldestAndSignalsTruncation(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{ChangeLogCap: 3})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, status.ChangeLogSize)
	assert.EqualValues(t, 2, status.EarliestSequence)

	pull, err := a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 0})
	require.NoError(t, err)
	require.Len(t, pull.Changes, 3)
	assert.EqualValues(t, 2, pull.Changes[0].Sequence)
	assert.True(t, pull.HistoryTruncated)

	// A caller already at the earliest retained edge missed nothing.
	pull, err = a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 1})
	require.NoError(t, err)
	assert.False(t, pull.HistoryTruncated)
}

func TestIdempotentPull(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	pushFrom(t, a, "dev-a", change("t1", models.OpCreate), change("t2", models.OpCreate))

	first, err := a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 0})
	require.NoError(t, err)
	second, err := a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 0})
	require.NoError(t, err)
	assert.Equal(t, first.Changes, second.Changes)
	assert.Equal(t, first.CurrentSequence, second.CurrentSequence)
}

func TestPullPagination(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{PageLimit: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}

	pull, err := a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 0})
	require.NoError(t, err)
	require.Len(t, pull.Changes, 2)
	assert.True(t, pull.HasMore)

	pull, err = a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 4})
	require.NoError(t, err)
	require.Len(t, pull.Changes, 1)
	assert.False(t, pull.HasMore)
}

func TestFanoutExcludesOrigin(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	attachedA, err := a.Attach(ctx, "dev-a", "user-1", "laptop", "macos")
	require.NoError(t, err)
	attachedB, err := a.Attach(ctx, "dev-b", "user-1", "phone", "ios")
	require.NoError(t, err)

	pushFrom(t, a, "dev-a", change("t1", models.OpCreate))

	select {
	case hints := <-attachedB.Session.Hints():
		require.Len(t, hints, 1)
		assert.Equal(t, "t1", hints[0].EntityID)
		assert.EqualValues(t, 1, hints[0].Sequence)
	case <-time.After(time.Second):
		t.Fatal("dev-b session received no hint")
	}

	select {
	case hints := <-attachedA.Session.Hints():
		t.Fatalf("origin device received its own change: %v", hints)
	default:
	}
}

func TestDetachKeepsBacklog(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	attached, err := a.Attach(ctx, "dev-b", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, a.Detach(ctx, attached.Session.SessionID, "dev-b"))

	pushFrom(t, a, "dev-a", change("t1", models.OpCreate))

	pending, err := a.Pending(ctx, "dev-b")
	require.NoError(t, err)
	assert.Equal(t, 1, pending.PendingCount)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.ConnectedClientCount)
}

func TestUnknownDeviceAckAndPending(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	_, err := a.Acknowledge(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = a.Pending(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSweepRetiresStaleDevicesAndOldEntries(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{
		MinRetained:      1,
		RetentionHorizon: 30 * 24 * time.Hour,
		DeviceHorizon:    90 * 24 * time.Hour,
	})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}

	require.NoError(t, a.Sweep(ctx, time.Now().UTC().Add(100*24*time.Hour)))

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.RegisteredDeviceCount)
	assert.EqualValues(t, 1, status.ChangeLogSize)
	assert.EqualValues(t, 5, status.CurrentSequence)
}

func TestSweepKeepsEntriesPendingForActiveDevices(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{
		MinRetained:      1,
		RetentionHorizon: time.Nanosecond,
		DeviceHorizon:    90 * 24 * time.Hour,
	})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}
	_, err = a.Acknowledge(ctx, "dev-b", 2)
	require.NoError(t, err)

	// Entries are all past the age horizon, but dev-b is active and has
	// 3..5 undelivered; only 1..2 may go.
	require.NoError(t, a.Sweep(ctx, time.Now().UTC().Add(time.Hour)))

	pull, err := a.Pull(ctx, PullInput{DeviceID: "dev-b", SinceSequence: 2})
	require.NoError(t, err)
	require.Len(t, pull.Changes, 3)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, status.EarliestSequence)
}

func TestHydrationRestoresStateAcrossRestart(t *testing.T) {
	store := newTestStore(t)
	a := newTestActor(t, store, Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	pushFrom(t, a, "dev-a", change("t1", models.OpCreate), change("t2", models.OpCreate))
	_, err = a.Acknowledge(ctx, "dev-b", 1)
	require.NoError(t, err)
	a.Close()

	restarted := newTestActor(t, store, Options{})
	status, err := restarted.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, status.CurrentSequence)
	assert.Equal(t, 2, status.RegisteredDeviceCount)

	backlog, err := restarted.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.EqualValues(t, 2, backlog[0].Sequence)

	res := pushFrom(t, restarted, "dev-a", change("t3", models.OpCreate))
	assert.EqualValues(t, 3, res.CurrentSequence)
}

// flakyStore injects durable-write failures. upsertOK lets a test allow the
// first N device upserts through before upsertErr fires.
type flakyStore struct {
	*repos.SyncRepo
	txErr     error
	upsertErr error
	upsertOK  int
}

func (s *flakyStore) WithTx(fn func(tx *sql.Tx) error) error {
	if s.txErr != nil {
		return s.txErr
	}
	return s.SyncRepo.WithTx(fn)
}

func (s *flakyStore) UpsertDevice(d *models.Device) error {
	if s.upsertErr != nil {
		if s.upsertOK > 0 {
			s.upsertOK--
		} else {
			return s.upsertErr
		}
	}
	return s.SyncRepo.UpsertDevice(d)
}

func TestFailedAppendHasNoSideEffects(t *testing.T) {
	store := &flakyStore{SyncRepo: newTestStore(t)}
	a := newTestActor(t, store, Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	attached, err := a.Attach(ctx, "dev-b", "user-1", "", "")
	require.NoError(t, err)
	pushFrom(t, a, "dev-a", change("t1", models.OpCreate))
	<-attached.Session.Hints()

	store.txErr = errors.New("disk full")
	_, err = a.Push(ctx, PushInput{DeviceID: "dev-a", Changes: []models.Change{change("t2", models.OpCreate)}})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.CurrentSequence, "failed append must not advance the sequence")

	backlog, err := a.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	require.Len(t, backlog, 1, "failed append must not reach any backlog")

	select {
	case hints := <-attached.Session.Hints():
		t.Fatalf("failed append fanned out: %v", hints)
	default:
	}
}

func TestFailedAckKeepsBookmarkAndBacklog(t *testing.T) {
	repo := newTestStore(t)
	store := &flakyStore{SyncRepo: repo}
	a := newTestActor(t, store, Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	}

	store.upsertErr = errors.New("disk full")
	_, err = a.Acknowledge(ctx, "dev-b", 3)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	backlog, err := a.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	require.Len(t, backlog, 3, "failed ack must not prune the backlog")

	// The retry goes back to the store, and the bookmark survives a restart.
	store.upsertErr = nil
	acked, err := a.Acknowledge(ctx, "dev-b", 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, acked)
	a.Close()

	restarted := newTestActor(t, repo, Options{})
	backlog, err = restarted.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestFailedImplicitAckAbortsPush(t *testing.T) {
	store := &flakyStore{SyncRepo: newTestStore(t)}
	a := newTestActor(t, store, Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	pushFrom(t, a, "dev-a", change("t1", models.OpCreate), change("t2", models.OpCreate))

	// The registration upsert succeeds; the implicit-ack upsert fails.
	store.upsertErr = errors.New("disk full")
	store.upsertOK = 1
	_, err = a.Push(ctx, PushInput{
		DeviceID:     "dev-b",
		LastSequence: 2,
		Changes:      []models.Change{change("t3", models.OpCreate)},
	})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	backlog, err := a.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	require.Len(t, backlog, 2, "failed implicit ack must not prune the backlog")

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, status.CurrentSequence)
}

func TestEvictedEntriesNotReportedAsConflicts(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{ChangeLogCap: 2})

	pushFrom(t, a, "dev-a", change("t1", models.OpUpdate))
	// Unrelated entries advance the cap window past entry 1.
	pushFrom(t, a, "dev-b", change("t2", models.OpUpdate), change("t2", models.OpUpdate))

	res := pushFrom(t, a, "dev-b", change("t1", models.OpUpdate))
	assert.Equal(t, 1, res.AcceptedCount)
	assert.Equal(t, 0, res.ConflictsCount, "evicted entries must not surface as conflicts")
	assert.Empty(t, res.Conflicts)
}

func TestPushLastSequenceActsAsAck(t *testing.T) {
	a := newTestActor(t, newTestStore(t), Options{})
	ctx := context.Background()

	_, err := a.Pull(ctx, PullInput{DeviceID: "dev-b"})
	require.NoError(t, err)
	pushFrom(t, a, "dev-a", change("t1", models.OpCreate), change("t2", models.OpCreate))

	_, err = a.Push(ctx, PushInput{
		DeviceID:     "dev-b",
		LastSequence: 2,
		Changes:      []models.Change{change("t3", models.OpCreate)},
	})
	require.NoError(t, err)

	backlog, err := a.Backlog(ctx, "dev-b")
	require.NoError(t, err)
	assert.Empty(t, backlog)
}
