// Package model defines the wire and in-memory types shared by every
// component of the synchronization engine: clipboard items, operations,
// and snapshots.
package model

import (
	"fmt"
	"time"
)

// OpType identifies the kind of mutation an Operation records.
type OpType string

const (
	OpAdd    OpType = "ADD"
	OpDelete OpType = "DELETE"
)

// Metadata carries display-only provenance for a ClipboardItem.
type Metadata struct {
	SourceDevice string  `json:"source_device"`
	SourceApp    *string `json:"source_app,omitempty"`
	ContentHash  *string `json:"content_hash,omitempty"`
}

// ClipboardItem is the payload carried by ADD operations and the unit
// of state the engine converges on.
type ClipboardItem struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Metadata    Metadata  `json:"metadata"`
}

// Validate checks the structural invariants a ClipboardItem must satisfy
// before it can be wrapped in an Operation. It does not validate content
// encoding beyond presence.
func (c *ClipboardItem) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("clipboard item: empty id")
	}
	if c.ContentType == "" {
		return fmt.Errorf("clipboard item: empty content_type")
	}
	if c.Metadata.SourceDevice == "" {
		return fmt.Errorf("clipboard item %s: empty metadata.source_device", c.ID)
	}
	return nil
}

// Operation is an immutable record of a single mutation: an ADD carrying
// a full ClipboardItem, or a DELETE referencing one by id.
type Operation struct {
	OpID      string         `json:"op_id"`
	OpType    OpType         `json:"op_type"`
	TargetID  string         `json:"target_id"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	Payload   *ClipboardItem `json:"payload,omitempty"`
}

func (o *Operation) Validate() error {
	if o.OpID == "" {
		return fmt.Errorf("operation: empty op_id")
	}
	if o.TargetID == "" {
		return fmt.Errorf("operation %s: empty target_id", o.OpID)
	}
	if o.DeviceID == "" {
		return fmt.Errorf("operation %s: empty device_id", o.OpID)
	}
	switch o.OpType {
	case OpAdd:
		if o.Payload == nil {
			return fmt.Errorf("operation %s: ADD without payload", o.OpID)
		}
		if o.Payload.ID != o.TargetID {
			return fmt.Errorf("operation %s: payload id %q != target_id %q", o.OpID, o.Payload.ID, o.TargetID)
		}
		if err := o.Payload.Validate(); err != nil {
			return fmt.Errorf("operation %s: %w", o.OpID, err)
		}
	case OpDelete:
		if o.Payload != nil {
			return fmt.Errorf("operation %s: DELETE carries a payload", o.OpID)
		}
	default:
		return fmt.Errorf("operation %s: unknown op_type %q", o.OpID, o.OpType)
	}
	return nil
}

// Dominates reports whether o dominates other under the LWW tie-break
// rule in spec.md §4.3: later timestamp wins; on a timestamp tie, the
// lexicographically greater device_id wins; on a full tie, the
// lexicographically greater op_id wins.
func (o *Operation) Dominates(other *Operation) bool {
	if !o.Timestamp.Equal(other.Timestamp) {
		return o.Timestamp.After(other.Timestamp)
	}
	if o.DeviceID != other.DeviceID {
		return o.DeviceID > other.DeviceID
	}
	return o.OpID > other.OpID
}

// Tombstone is the residual record of a deleted item, retained so a
// late-arriving ADD cannot resurrect it.
type Tombstone struct {
	DeleteTimestamp time.Time `json:"delete_timestamp"`
	DeleteDeviceID  string    `json:"delete_device_id"`
}

// Snapshot is a reduced materialization of a prefix of the oplog.
type Snapshot struct {
	Items             []ClipboardItem `json:"items"`
	SnapshotTimestamp time.Time       `json:"snapshot_timestamp"`
	LastOpTimestamp   time.Time       `json:"last_op_timestamp"`
	DeviceID          string          `json:"device_id"`
	CoveredOpIDs      []string        `json:"covered_op_ids"`
}
