package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"change-sync/internal/conflict"
	"change-sync/internal/fanout"
	"change-sync/internal/logging"
	"change-sync/internal/models"
	"change-sync/internal/observability"
)

var (
	ErrClosed        = errors.New("account actor closed")
	ErrUnknownDevice = errors.New("unknown device")
)

// PersistenceError marks a failed durable write. The operation it interrupted
// committed nothing for the entry being processed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the durable collaborator behind an actor: the change log and the
// device registry. repos.SyncRepo is the sqlite implementation.
type Store interface {
	WithTx(fn func(tx *sql.Tx) error) error
	InsertEntryTx(tx *sql.Tx, e *models.ChangeEntry) error
	DeleteEntriesBelowTx(tx *sql.Tx, accountID string, minSeq int64) error
	DeleteEntriesBelow(accountID string, minSeq int64) (int64, error)
	ListEntries(accountID string, sinceSeq int64, limit int) ([]models.ChangeEntry, error)
	ListEntriesForEntity(accountID string, entityType models.EntityType, entityID string, limit int) ([]models.ChangeEntry, error)
	LatestSequenceOlderThan(accountID string, cutoff time.Time) (int64, error)
	SequenceBounds(accountID string) (int64, int64, error)
	UpsertDevice(d *models.Device) error
	ListDevices(accountID string) ([]models.Device, error)
	DeleteDevice(accountID, deviceID string) error
}

// Options tunes one actor. Zero values fall back to the same defaults the
// config package ships.
type Options struct {
	ChangeLogCap     int
	MinRetained      int
	PageLimit        int
	ConflictWindow   int
	RetentionHorizon time.Duration
	DeviceHorizon    time.Duration
	SessionBuffer    int
	Policy           conflict.Policy
}

func (o Options) normalized() Options {
	if o.ChangeLogCap <= 0 {
		o.ChangeLogCap = 10000
	}
	if o.MinRetained <= 0 {
		o.MinRetained = 100
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 200
	}
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = 10
	}
	if o.RetentionHorizon <= 0 {
		o.RetentionHorizon = 30 * 24 * time.Hour
	}
	if o.DeviceHorizon <= 0 {
		o.DeviceHorizon = 90 * 24 * time.Hour
	}
	if o.SessionBuffer <= 0 {
		o.SessionBuffer = 64
	}
	if o.Policy == nil {
		o.Policy = conflict.LastWriteWins{}
	}
	return o
}

// Actor owns every piece of one account's sync state. All operations are
// funneled through a single goroutine, so sequence assignment is atomic and
// the in-memory maps need no locks. Durable writes happen inside that loop;
// requests queued behind them observe no interleaving.
type Actor struct {
	accountID string
	store     Store
	opts      Options
	log       *logging.Logger

	ops       chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// State below is touched only from the run loop.
	seq      int64 // last assigned sequence
	earliest int64 // earliest retained sequence; seq+1 when the log is empty
	devices  map[string]*models.Device
	backlogs map[string][]models.ChangeEntry
	sessions *fanout.Table
	recent   *lru.Cache[string, []models.ChangeEntry]
}

// New hydrates an actor from the store and starts its loop.
func New(accountID string, store Store, opts Options, log *logging.Logger) (*Actor, error) {
	opts = opts.normalized()
	cache, err := lru.New[string, []models.ChangeEntry](1024)
	if err != nil {
		return nil, err
	}
	a := &Actor{
		accountID: accountID,
		store:     store,
		opts:      opts,
		log:       log.With("account " + accountID),
		ops:       make(chan func(), 64),
		closed:    make(chan struct{}),
		devices:   make(map[string]*models.Device),
		backlogs:  make(map[string][]models.ChangeEntry),
		sessions:  fanout.NewTable(opts.SessionBuffer),
		recent:    cache,
	}
	if err := a.hydrate(); err != nil {
		return nil, err
	}
	go a.run()
	return a, nil
}

func (a *Actor) hydrate() error {
	earliest, latest, err := a.store.SequenceBounds(a.accountID)
	if err != nil {
		return &PersistenceError{Op: "hydrate log bounds", Err: err}
	}
	a.seq = latest
	if earliest == 0 {
		a.earliest = latest + 1
	} else {
		a.earliest = earliest
	}

	devices, err := a.store.ListDevices(a.accountID)
	if err != nil {
		return &PersistenceError{Op: "hydrate devices", Err: err}
	}
	minAcked := a.seq
	for i := range devices {
		d := devices[i]
		d.Connected = false
		a.devices[d.DeviceID] = &d
		if d.LastAckedSequence < minAcked {
			minAcked = d.LastAckedSequence
		}
	}
	if len(a.devices) == 0 || minAcked >= a.seq {
		return nil
	}

	// Backlogs are derivable: every retained entry above a device's ack
	// bookmark that the device did not author is still owed to it.
	entries, err := a.store.ListEntries(a.accountID, minAcked, a.opts.ChangeLogCap)
	if err != nil {
		return &PersistenceError{Op: "hydrate backlogs", Err: err}
	}
	for _, e := range entries {
		for id, d := range a.devices {
			if id == e.OriginDeviceID || d.LastAckedSequence >= e.Sequence {
				continue
			}
			a.backlogs[id] = append(a.backlogs[id], e)
		}
	}
	return nil
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.ops:
			fn()
		case <-a.closed:
			return
		}
	}
}

// Close stops the loop. In-flight callers get ErrClosed.
func (a *Actor) Close() {
	a.closeOnce.Do(func() { close(a.closed) })
}

// do runs fn inside the actor loop and waits for it. Cancellation is honored
// only while queueing: once fn starts it runs to completion, so callers never
// observe a half-applied operation.
func (a *Actor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.ops <- func() { fn(); close(done) }:
	case <-a.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.closed:
		return ErrClosed
	}
}

type PushInput struct {
	DeviceID     string
	DeviceName   string
	Platform     string
	LastSequence int64
	ActorUserID  string
	Changes      []models.Change
}

type PushResult struct {
	AcceptedCount   int                     `json:"acceptedCount"`
	ConflictsCount  int                     `json:"conflictsCount"`
	CurrentSequence int64                   `json:"currentSequence"`
	Conflicts       []models.ConflictReport `json:"conflicts"`
}

type PullInput struct {
	DeviceID      string
	SinceSequence int64
}

type PullResult struct {
	Changes          []models.ChangeEntry `json:"changes"`
	CurrentSequence  int64                `json:"currentSequence"`
	HasMore          bool                 `json:"hasMore"`
	HistoryTruncated bool                 `json:"historyTruncated"`
}

type StatusResult struct {
	AccountID             string          `json:"accountId"`
	ConnectedClientCount  int             `json:"connectedClientCount"`
	RegisteredDeviceCount int             `json:"registeredDeviceCount"`
	CurrentSequence       int64           `json:"currentSequence"`
	ChangeLogSize         int64           `json:"changeLogSize"`
	EarliestSequence      int64           `json:"earliestSequence"`
	Devices               []models.Device `json:"devices"`
}

type PendingResult struct {
	DeviceID     string        `json:"deviceId"`
	PendingCount int           `json:"pendingCount"`
	Changes      []models.Hint `json:"changes"`
}

type AttachResult struct {
	Session         *fanout.LiveSession
	CurrentSequence int64
	Pending         []models.Hint
}

func (a *Actor) Push(ctx context.Context, in PushInput) (PushResult, error) {
	var (
		res PushResult
		err error
	)
	if doErr := a.do(ctx, func() { res, err = a.push(in) }); doErr != nil {
		return PushResult{}, doErr
	}
	return res, err
}

func (a *Actor) push(in PushInput) (PushResult, error) {
	now := time.Now().UTC()
	d, err := a.registerOrUpdate(in.DeviceID, in.DeviceName, in.Platform, now)
	if err != nil {
		return PushResult{}, err
	}
	// The client's declared lastSequence is an implicit acknowledgment.
	// The bookmark is persisted first; in-memory state moves only once the
	// write has stuck.
	if in.LastSequence > d.LastAckedSequence {
		persisted := *d
		persisted.LastAckedSequence = in.LastSequence
		if err := a.store.UpsertDevice(&persisted); err != nil {
			return PushResult{}, &PersistenceError{Op: "device update", Err: err}
		}
		a.applyAck(d, in.LastSequence)
	}

	res := PushResult{Conflicts: []models.ConflictReport{}}
	var hints []models.Hint
	for _, change := range in.Changes {
		recent := a.recentForEntity(change.EntityType, change.EntityID)
		verdict := a.opts.Policy.Evaluate(change, in.DeviceID, recent)
		if verdict.Decision == conflict.ManualRequired {
			res.ConflictsCount++
			res.Conflicts = append(res.Conflicts, models.ConflictReport{
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				Operation:  change.Operation,
				Resolution: "manual",
				Existing:   verdict.Conflicts,
			})
			observability.RecordConflict("manual")
			continue
		}

		entry, err := a.append(change, in, now)
		if err != nil {
			// No partial acceptance count: the caller retries the whole push.
			return PushResult{}, err
		}
		a.fanIn(entry)
		hints = append(hints, entry.Hint())
		res.AcceptedCount++
		if verdict.Decision == conflict.AcceptWithOverride {
			res.ConflictsCount++
			res.Conflicts = append(res.Conflicts, models.ConflictReport{
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				Operation:  change.Operation,
				Resolution: "override",
				Existing:   verdict.Conflicts,
			})
			observability.RecordConflict("override")
		}
	}

	sent, dropped := a.sessions.Notify(hints, in.DeviceID)
	observability.RecordFanout(sent, dropped)
	observability.RecordPush(res.AcceptedCount)

	res.CurrentSequence = a.seq
	return res, nil
}

// append durably writes the entry (and any size-cap eviction) in one
// transaction, then advances the in-memory cursors. Nothing downstream of a
// failed append happens.
func (a *Actor) append(change models.Change, in PushInput, now time.Time) (models.ChangeEntry, error) {
	entry := models.ChangeEntry{
		Sequence:       a.seq + 1,
		AccountID:      a.accountID,
		Timestamp:      now,
		OriginDeviceID: in.DeviceID,
		EntityType:     change.EntityType,
		EntityID:       change.EntityID,
		Operation:      change.Operation,
		Fields:         change.Fields,
		ActorUserID:    change.ActorUserID,
	}
	if entry.ActorUserID == "" {
		entry.ActorUserID = in.ActorUserID
	}

	newEarliest := a.earliest
	if size := entry.Sequence - a.earliest + 1; size > int64(a.opts.ChangeLogCap) {
		newEarliest = entry.Sequence - int64(a.opts.ChangeLogCap) + 1
	}
	err := a.store.WithTx(func(tx *sql.Tx) error {
		if err := a.store.InsertEntryTx(tx, &entry); err != nil {
			return err
		}
		if newEarliest > a.earliest {
			return a.store.DeleteEntriesBelowTx(tx, a.accountID, newEarliest)
		}
		return nil
	})
	if err != nil {
		return models.ChangeEntry{}, &PersistenceError{Op: "log append", Err: err}
	}

	a.seq = entry.Sequence
	if newEarliest > a.earliest {
		observability.RecordEvicted(newEarliest - a.earliest)
		a.earliest = newEarliest
		a.pruneBacklogsBelow(newEarliest)
	}
	a.cacheEntry(entry)
	return entry, nil
}

// fanIn queues the entry on every other device's backlog.
func (a *Actor) fanIn(entry models.ChangeEntry) {
	for id, d := range a.devices {
		if id == entry.OriginDeviceID || d.LastAckedSequence >= entry.Sequence {
			continue
		}
		a.backlogs[id] = append(a.backlogs[id], entry)
	}
}

func (a *Actor) Pull(ctx context.Context, in PullInput) (PullResult, error) {
	var (
		res PullResult
		err error
	)
	if doErr := a.do(ctx, func() { res, err = a.pull(in) }); doErr != nil {
		return PullResult{}, doErr
	}
	return res, err
}

func (a *Actor) pull(in PullInput) (PullResult, error) {
	now := time.Now().UTC()
	if _, err := a.registerOrUpdate(in.DeviceID, "", "", now); err != nil {
		return PullResult{}, err
	}
	entries, err := a.store.ListEntries(a.accountID, in.SinceSequence, a.opts.PageLimit)
	if err != nil {
		return PullResult{}, &PersistenceError{Op: "log query", Err: err}
	}
	res := PullResult{
		Changes:          entries,
		CurrentSequence:  a.seq,
		HistoryTruncated: in.SinceSequence < a.earliest-1,
	}
	if len(entries) > 0 {
		res.HasMore = entries[len(entries)-1].Sequence < a.seq
	}
	return res, nil
}

// Acknowledge advances the device bookmark, never backwards, and prunes the
// backlog up to it. Returns the bookmark after the call.
func (a *Actor) Acknowledge(ctx context.Context, deviceID string, sequence int64) (int64, error) {
	var (
		acked int64
		err   error
	)
	if doErr := a.do(ctx, func() { acked, err = a.acknowledge(deviceID, sequence) }); doErr != nil {
		return 0, doErr
	}
	return acked, err
}

func (a *Actor) acknowledge(deviceID string, sequence int64) (int64, error) {
	d, ok := a.devices[deviceID]
	if !ok {
		return 0, ErrUnknownDevice
	}
	if sequence > d.LastAckedSequence {
		persisted := *d
		persisted.LastAckedSequence = sequence
		persisted.LastSyncAt = time.Now().UTC()
		if err := a.store.UpsertDevice(&persisted); err != nil {
			return 0, &PersistenceError{Op: "ack update", Err: err}
		}
		d.LastSyncAt = persisted.LastSyncAt
		a.applyAck(d, sequence)
	}
	return d.LastAckedSequence, nil
}

func (a *Actor) applyAck(d *models.Device, sequence int64) {
	d.LastAckedSequence = sequence
	backlog := a.backlogs[d.DeviceID]
	kept := backlog[:0]
	for _, e := range backlog {
		if e.Sequence > sequence {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(a.backlogs, d.DeviceID)
	} else {
		a.backlogs[d.DeviceID] = kept
	}
}

// Attach registers a live session for the device and reports what it missed.
func (a *Actor) Attach(ctx context.Context, deviceID, actorUserID, deviceName, platform string) (AttachResult, error) {
	var (
		res AttachResult
		err error
	)
	if doErr := a.do(ctx, func() { res, err = a.attach(deviceID, actorUserID, deviceName, platform) }); doErr != nil {
		return AttachResult{}, doErr
	}
	return res, err
}

func (a *Actor) attach(deviceID, actorUserID, deviceName, platform string) (AttachResult, error) {
	now := time.Now().UTC()
	d, err := a.registerOrUpdate(deviceID, deviceName, platform, now)
	if err != nil {
		return AttachResult{}, err
	}
	s := a.sessions.Attach(deviceID, actorUserID, now)
	d.Connected = true
	observability.SessionAttached()

	pending := a.backlogHints(deviceID)
	return AttachResult{Session: s, CurrentSequence: a.seq, Pending: pending}, nil
}

// Detach drops the session. Backlog state is untouched: delivery guarantees
// do not depend on liveness.
func (a *Actor) Detach(ctx context.Context, sessionID, deviceID string) error {
	var err error
	if doErr := a.do(ctx, func() { err = a.detach(sessionID, deviceID) }); doErr != nil {
		return doErr
	}
	return err
}

func (a *Actor) detach(sessionID, deviceID string) error {
	if a.sessions.Detach(sessionID) {
		observability.SessionDetached()
	}
	if d, ok := a.devices[deviceID]; ok {
		d.Connected = a.sessions.HasDevice(deviceID)
	}
	return nil
}

func (a *Actor) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	if doErr := a.do(ctx, func() { res = a.status() }); doErr != nil {
		return StatusResult{}, doErr
	}
	return res, nil
}

func (a *Actor) status() StatusResult {
	res := StatusResult{
		AccountID:             a.accountID,
		ConnectedClientCount:  a.sessions.Len(),
		RegisteredDeviceCount: len(a.devices),
		CurrentSequence:       a.seq,
		EarliestSequence:      a.earliest,
	}
	if a.seq >= a.earliest {
		res.ChangeLogSize = a.seq - a.earliest + 1
	}
	for _, d := range a.devices {
		res.Devices = append(res.Devices, *d)
	}
	sortDevices(res.Devices)
	return res
}

func (a *Actor) Pending(ctx context.Context, deviceID string) (PendingResult, error) {
	var (
		res PendingResult
		err error
	)
	if doErr := a.do(ctx, func() { res, err = a.pending(deviceID) }); doErr != nil {
		return PendingResult{}, doErr
	}
	return res, err
}

func (a *Actor) pending(deviceID string) (PendingResult, error) {
	if _, ok := a.devices[deviceID]; !ok {
		return PendingResult{}, ErrUnknownDevice
	}
	return PendingResult{
		DeviceID:     deviceID,
		PendingCount: len(a.backlogs[deviceID]),
		Changes:      a.backlogHints(deviceID),
	}, nil
}

// Backlog returns the full pending entries for a device, oldest first.
func (a *Actor) Backlog(ctx context.Context, deviceID string) ([]models.ChangeEntry, error) {
	var (
		out []models.ChangeEntry
		err error
	)
	if doErr := a.do(ctx, func() {
		if _, ok := a.devices[deviceID]; !ok {
			err = ErrUnknownDevice
			return
		}
		out = append(out, a.backlogs[deviceID]...)
	}); doErr != nil {
		return nil, doErr
	}
	return out, err
}

// Sweep applies time-based retention: stale devices go first, then log
// entries past the horizon, but never entries a surviving device still has
// pending and never the newest MinRetained entries.
func (a *Actor) Sweep(ctx context.Context, now time.Time) error {
	var err error
	if doErr := a.do(ctx, func() { err = a.sweep(now) }); doErr != nil {
		return doErr
	}
	return err
}

func (a *Actor) sweep(now time.Time) error {
	deviceCutoff := now.Add(-a.opts.DeviceHorizon)
	for id, d := range a.devices {
		if d.Connected || !d.LastSyncAt.Before(deviceCutoff) {
			continue
		}
		if err := a.store.DeleteDevice(a.accountID, id); err != nil {
			return &PersistenceError{Op: "device retire", Err: err}
		}
		delete(a.devices, id)
		delete(a.backlogs, id)
		a.log.Infof("retired stale device %s (last sync %s)", id, d.LastSyncAt.Format(time.RFC3339))
	}

	oldest, err := a.store.LatestSequenceOlderThan(a.accountID, now.Add(-a.opts.RetentionHorizon))
	if err != nil {
		return &PersistenceError{Op: "sweep scan", Err: err}
	}
	// An entry still sitting in a surviving device's backlog is undelivered;
	// age alone never removes it.
	cutoff := oldest + 1
	for _, backlog := range a.backlogs {
		if len(backlog) > 0 && backlog[0].Sequence < cutoff {
			cutoff = backlog[0].Sequence
		}
	}
	if keepFloor := a.seq - int64(a.opts.MinRetained) + 1; cutoff > keepFloor {
		cutoff = keepFloor
	}
	var evicted int64
	if cutoff > a.earliest {
		evicted, err = a.store.DeleteEntriesBelow(a.accountID, cutoff)
		if err != nil {
			return &PersistenceError{Op: "sweep delete", Err: err}
		}
		a.earliest = cutoff
		a.pruneBacklogsBelow(cutoff)
		a.recent.Purge()
		a.log.Infof("swept %d entries below sequence %d", evicted, cutoff)
	}
	observability.RecordSweep(evicted)
	return nil
}

func (a *Actor) registerOrUpdate(deviceID, deviceName, platform string, now time.Time) (*models.Device, error) {
	d, ok := a.devices[deviceID]
	if !ok {
		d = &models.Device{
			AccountID: a.accountID,
			DeviceID:  deviceID,
		}
		// A new device is owed every retained entry above its bookmark,
		// which is zero. Seeding here keeps the backlog identical to what
		// hydration would derive after a restart.
		if a.seq >= a.earliest {
			entries, err := a.store.ListEntries(a.accountID, 0, a.opts.ChangeLogCap)
			if err != nil {
				return nil, &PersistenceError{Op: "backlog seed", Err: err}
			}
			for _, e := range entries {
				if e.OriginDeviceID != deviceID {
					a.backlogs[deviceID] = append(a.backlogs[deviceID], e)
				}
			}
		}
		a.devices[deviceID] = d
	}
	if deviceName != "" {
		d.DisplayName = deviceName
	}
	if platform != "" {
		d.Platform = platform
	}
	d.LastSyncAt = now
	if err := a.store.UpsertDevice(d); err != nil {
		return nil, &PersistenceError{Op: "device upsert", Err: err}
	}
	return d, nil
}

// recentForEntity serves the conflict scan window from the LRU, falling back
// to the store on miss. Entries are newest first. A cached window can hold
// entries the size cap has since evicted; those are filtered out so a
// reported conflict always points at a retained entry.
func (a *Actor) recentForEntity(entityType models.EntityType, entityID string) []models.ChangeEntry {
	key := string(entityType) + "\x00" + entityID
	if cached, ok := a.recent.Get(key); ok {
		kept := make([]models.ChangeEntry, 0, len(cached))
		for _, e := range cached {
			if e.Sequence >= a.earliest {
				kept = append(kept, e)
			}
		}
		return kept
	}
	entries, err := a.store.ListEntriesForEntity(a.accountID, entityType, entityID, a.opts.ConflictWindow)
	if err != nil {
		a.log.Warnf("conflict scan fallback failed for %s/%s: %v", entityType, entityID, err)
		return nil
	}
	a.recent.Add(key, entries)
	return entries
}

func (a *Actor) cacheEntry(entry models.ChangeEntry) {
	key := string(entry.EntityType) + "\x00" + entry.EntityID
	window, _ := a.recent.Get(key)
	window = append([]models.ChangeEntry{entry}, window...)
	if len(window) > a.opts.ConflictWindow {
		window = window[:a.opts.ConflictWindow]
	}
	a.recent.Add(key, window)
}

func (a *Actor) pruneBacklogsBelow(minSeq int64) {
	for id, backlog := range a.backlogs {
		kept := backlog[:0]
		for _, e := range backlog {
			if e.Sequence >= minSeq {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(a.backlogs, id)
		} else {
			a.backlogs[id] = kept
		}
	}
}

func (a *Actor) backlogHints(deviceID string) []models.Hint {
	backlog := a.backlogs[deviceID]
	limit := len(backlog)
	if limit > a.opts.PageLimit {
		limit = a.opts.PageLimit
	}
	hints := make([]models.Hint, 0, limit)
	for _, e := range backlog[:limit] {
		hints = append(hints, e.Hint())
	}
	return hints
}

func sortDevices(devices []models.Device) {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID < devices[j].DeviceID
	})
}
