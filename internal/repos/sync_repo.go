package repos

import (
	"database/sql"
	"errors"
	"time"

	"change-sync/internal/models"
)

var ErrNotFound = errors.New("not found")

// SyncRepo is the durable side of an account's sync state: the append-only
// change log and the device registry. All in-memory bookkeeping lives in the
// account actor; this layer only reads and writes rows.
type SyncRepo struct {
	db *sql.DB
}

func NewSyncRepo(db *sql.DB) *SyncRepo {
	return &SyncRepo{db: db}
}

func (r *SyncRepo) DB() *sql.DB {
	return r.db
}

func (r *SyncRepo) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SyncRepo) InsertEntryTx(tx *sql.Tx, e *models.ChangeEntry) error {
	_, err := tx.Exec(`
		INSERT INTO change_log (account_id, seq, created_at, origin_device_id, entity_type, entity_id, operation, payload, actor_user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.AccountID, e.Sequence, e.Timestamp.UTC(), e.OriginDeviceID, string(e.EntityType), e.EntityID, string(e.Operation), payloadText(e.Fields), e.ActorUserID)
	return err
}

func (r *SyncRepo) DeleteEntriesBelowTx(tx *sql.Tx, accountID string, minSeq int64) error {
	_, err := tx.Exec(`DELETE FROM change_log WHERE account_id = ? AND seq < ?`, accountID, minSeq)
	return err
}

func (r *SyncRepo) DeleteEntriesBelow(accountID string, minSeq int64) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM change_log WHERE account_id = ? AND seq < ?`, accountID, minSeq)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListEntries returns entries with seq > sinceSeq in ascending order,
// at most limit of them.
func (r *SyncRepo) ListEntries(accountID string, sinceSeq int64, limit int) ([]models.ChangeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT account_id, seq, created_at, origin_device_id, entity_type, entity_id, operation, payload, actor_user_id
		FROM change_log
		WHERE account_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, accountID, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows, limit)
}

// ListEntriesForEntity returns the most recent entries for one entity,
// newest first.
func (r *SyncRepo) ListEntriesForEntity(accountID string, entityType models.EntityType, entityID string, limit int) ([]models.ChangeEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.Query(`
		SELECT account_id, seq, created_at, origin_device_id, entity_type, entity_id, operation, payload, actor_user_id
		FROM change_log
		WHERE account_id = ? AND entity_type = ? AND entity_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, accountID, string(entityType), entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows, limit)
}

// LatestSequenceOlderThan returns the highest sequence whose entry was
// created before cutoff, or zero when none is.
func (r *SyncRepo) LatestSequenceOlderThan(accountID string, cutoff time.Time) (int64, error) {
	var seq int64
	err := r.db.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) FROM change_log
		WHERE account_id = ? AND created_at < ?
	`, accountID, cutoff.UTC()).Scan(&seq)
	return seq, err
}

// SequenceBounds reports the earliest and latest retained sequence for an
// account; both are zero for an empty log.
func (r *SyncRepo) SequenceBounds(accountID string) (int64, int64, error) {
	var earliest, latest int64
	err := r.db.QueryRow(`
		SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0)
		FROM change_log WHERE account_id = ?
	`, accountID).Scan(&earliest, &latest)
	return earliest, latest, err
}

func (r *SyncRepo) UpsertDevice(d *models.Device) error {
	_, err := r.db.Exec(`
		INSERT INTO devices (account_id, device_id, display_name, platform, last_sync_at, last_acked_seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, device_id) DO UPDATE SET
			display_name = excluded.display_name,
			platform = excluded.platform,
			last_sync_at = excluded.last_sync_at,
			last_acked_seq = excluded.last_acked_seq
	`, d.AccountID, d.DeviceID, d.DisplayName, d.Platform, d.LastSyncAt.UTC(), d.LastAckedSequence)
	return err
}

func (r *SyncRepo) ListDevices(accountID string) ([]models.Device, error) {
	rows, err := r.db.Query(`
		SELECT account_id, device_id, display_name, platform, last_sync_at, last_acked_seq
		FROM devices WHERE account_id = ?
		ORDER BY device_id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.AccountID, &d.DeviceID, &d.DisplayName, &d.Platform, &d.LastSyncAt, &d.LastAckedSequence); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (r *SyncRepo) DeleteDevice(accountID, deviceID string) error {
	_, err := r.db.Exec(`DELETE FROM devices WHERE account_id = ? AND device_id = ?`, accountID, deviceID)
	return err
}

func scanEntries(rows *sql.Rows, capHint int) ([]models.ChangeEntry, error) {
	entries := make([]models.ChangeEntry, 0, capHint)
	for rows.Next() {
		var (
			e       models.ChangeEntry
			et, op  string
			payload string
		)
		if err := rows.Scan(&e.AccountID, &e.Sequence, &e.Timestamp, &e.OriginDeviceID, &et, &e.EntityID, &op, &payload, &e.ActorUserID); err != nil {
			return nil, err
		}
		e.EntityType = models.EntityType(et)
		e.Operation = models.Operation(op)
		e.Fields = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func payloadText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
