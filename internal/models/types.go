package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies the kind of record a change applies to.
type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityProject    EntityType = "project"
	EntityInboxItem  EntityType = "inbox_item"
	EntityIdea       EntityType = "idea"
	EntityPerson     EntityType = "person"
	EntityCommitment EntityType = "commitment"
)

var knownEntityTypes = map[EntityType]bool{
	EntityTask:       true,
	EntityProject:    true,
	EntityInboxItem:  true,
	EntityIdea:       true,
	EntityPerson:     true,
	EntityCommitment: true,
}

func (t EntityType) Valid() bool { return knownEntityTypes[t] }

// Operation is what the change does to its entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Change is one client-submitted mutation before it is accepted into the log.
// Fields stays opaque so unknown keys from newer clients survive a round trip.
type Change struct {
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   Operation       `json:"operation"`
	Fields      json.RawMessage `json:"changes"`
	ActorUserID string          `json:"actorUserId"`
}

// ChangeEntry is an accepted change in an account's log. Immutable once appended.
type ChangeEntry struct {
	Sequence       int64           `json:"sequence"`
	AccountID      string          `json:"-"`
	Timestamp      time.Time       `json:"timestamp"`
	OriginDeviceID string          `json:"originDeviceId"`
	EntityType     EntityType      `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Operation      Operation       `json:"operation"`
	Fields         json.RawMessage `json:"changes"`
	ActorUserID    string          `json:"actorUserId"`
}

// Hint is the lightweight fanout notification sent to live sessions in place
// of the full entry payload.
type Hint struct {
	Sequence   int64      `json:"sequence"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Operation  Operation  `json:"operation"`
}

func (e ChangeEntry) Hint() Hint {
	return Hint{
		Sequence:   e.Sequence,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Operation:  e.Operation,
	}
}

// Device is one registered client of an account.
type Device struct {
	AccountID         string    `json:"-"`
	DeviceID          string    `json:"deviceId"`
	DisplayName       string    `json:"displayName"`
	Platform          string    `json:"platform"`
	LastSyncAt        time.Time `json:"lastSyncAt"`
	LastAckedSequence int64     `json:"lastAckedSequence"`
	Connected         bool      `json:"connected"`
}

// Session is an ephemeral live connection for one device. Never persisted.
type Session struct {
	SessionID   string    `json:"sessionId"`
	DeviceID    string    `json:"deviceId"`
	ActorUserID string    `json:"actorUserId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ConflictReport describes one incoming change that collided with earlier
// entries for the same entity. Resolution is "override" when the change was
// still appended (last-write-wins) or "manual" when it was refused.
type ConflictReport struct {
	EntityType EntityType    `json:"entityType"`
	EntityID   string        `json:"entityId"`
	Operation  Operation     `json:"operation"`
	Resolution string        `json:"resolution"`
	Existing   []ChangeEntry `json:"existing"`
}

// Realtime message envelopes. The framing underneath (SSE today) is
// interchangeable; these shapes are the contract.

type ConnectedMessage struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	CurrentSequence int64  `json:"currentSequence"`
	PendingChanges  []Hint `json:"pendingChanges"`
}

type SyncUpdateMessage struct {
	Type    string `json:"type"`
	Changes []Hint `json:"changes"`
}

type ClientMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Sequence int64  `json:"sequence"`
}
