package models

import (
	"encoding/json"
	"time"
)

type ChangeType string

const (
	ChangeCreated ChangeType = "Created"
	ChangeUpdated ChangeType = "Updated"
	ChangeMoved   ChangeType = "Moved"
	ChangeDeleted ChangeType = "Deleted"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreated, ChangeUpdated, ChangeMoved, ChangeDeleted:
		return true
	}
	return false
}

// CarriesContent reports whether a change of this type may write new bytes.
func (t ChangeType) CarriesContent() bool {
	return t == ChangeCreated || t == ChangeUpdated
}

type Resolution string

const (
	KeepLocal  Resolution = "KeepLocal"
	KeepRemote Resolution = "KeepRemote"
	KeepBoth   Resolution = "KeepBoth"
)

func (r Resolution) Valid() bool {
	return r == KeepLocal || r == KeepRemote || r == KeepBoth
}

type ConflictType string

const (
	ConflictEditEdit     ConflictType = "edit_edit"
	ConflictEditDelete   ConflictType = "edit_delete"
	ConflictDeleteEdit   ConflictType = "delete_edit"
	ConflictCreateCreate ConflictType = "create_create"
	ConflictMoveMove     ConflictType = "move_move"
)

// ChangeRecord is one immutable entry of an account's change log.
type ChangeRecord struct {
	Cursor         int64           `json:"cursor"`
	OwnerID        string          `json:"-"`
	ItemID         string          `json:"itemId"`
	ChangeType     ChangeType      `json:"changeType"`
	OldPath        string          `json:"oldPath,omitempty"`
	NewPath        string          `json:"newPath,omitempty"`
	Checksum       string          `json:"checksum,omitempty"`
	Version        int64           `json:"version"`
	ContentVersion int64           `json:"contentVersion"`
	Size           int64           `json:"size"`
	DeviceID       string          `json:"deviceId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SyncItem is the server's head state for one item: the version the next
// push must name as its base.
type SyncItem struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"-"`
	Path           string    `json:"path"`
	Version        int64     `json:"version"`
	ContentVersion int64     `json:"contentVersion"`
	Checksum       string    `json:"checksum"`
	Size           int64     `json:"size"`
	Deleted        bool      `json:"deleted"`
	LastCursor     int64     `json:"lastCursor"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type SyncDevice struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"-"`
	DeviceID       string    `json:"deviceId"`
	DeviceName     string    `json:"deviceName"`
	DeviceType     string    `json:"deviceType"`
	LastSyncCursor int64     `json:"lastSyncCursor"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

// PushChange is a change as a device submits it. ExpectedBaseVersion is the
// item version the device last saw, 0 for an item it is creating.
type PushChange struct {
	ItemID              string          `json:"itemId"`
	ChangeType          ChangeType      `json:"changeType"`
	ExpectedBaseVersion int64           `json:"expectedBaseVersion"`
	OldPath             string          `json:"oldPath,omitempty"`
	NewPath             string          `json:"newPath,omitempty"`
	Checksum            string          `json:"checksum,omitempty"`
	Content             []byte          `json:"content,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

type SyncConflict struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"-"`
	ItemID       string        `json:"itemId"`
	ConflictType ConflictType  `json:"conflictType"`
	DeviceID     string        `json:"deviceId,omitempty"`
	// LocalChange never carries content on the wire; the bytes are kept in
	// LocalContent and served on their own.
	LocalChange  PushChange    `json:"localChange"`
	LocalSize    int64         `json:"localSize"`
	LocalContent []byte        `json:"-"`
	RemoteChange *ChangeRecord `json:"remoteChange"`
	CreatedAt    time.Time     `json:"createdAt"`
	Resolution   *Resolution   `json:"resolution"`
	ResolvedAt   *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy   string        `json:"resolvedBy,omitempty"`
}

// Local returns the rejected change with its content attached.
func (c *SyncConflict) Local() PushChange {
	ch := c.LocalChange
	ch.Content = c.LocalContent
	return ch
}

func (c *SyncConflict) Resolved() bool {
	return c.Resolution != nil
}
