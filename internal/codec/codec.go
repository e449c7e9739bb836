// Package codec provides the canonical wire encoding for oplog entries,
// snapshots, and the small pointer/lock records stored alongside them.
// Every record carries an optional "version" field (default 1) per
// spec.md §6, and decoding rejects unknown top-level fields so that a
// record produced by a newer device can never be silently misread by an
// older one.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/clipsyncd/clipsyncd/internal/model"
	"github.com/clipsyncd/clipsyncd/pkg/jsonx"
)

const currentVersion = 1

// operationWire mirrors model.Operation with an explicit version field.
type operationWire struct {
	Version   int                  `json:"version"`
	OpID      string               `json:"op_id"`
	OpType    model.OpType         `json:"op_type"`
	TargetID  string               `json:"target_id"`
	Timestamp string               `json:"timestamp"`
	DeviceID  string               `json:"device_id"`
	Payload   *model.ClipboardItem `json:"payload,omitempty"`
}

// EncodeOperation produces the canonical JSON bytes for op.
func EncodeOperation(op *model.Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	w := operationWire{
		Version:   currentVersion,
		OpID:      op.OpID,
		OpType:    op.OpType,
		TargetID:  op.TargetID,
		Timestamp: FormatTimestamp(op.Timestamp),
		DeviceID:  op.DeviceID,
		Payload:   op.Payload,
	}
	return json.Marshal(w)
}

// DecodeOperation parses canonical operation bytes, rejecting unknown
// top-level fields.
func DecodeOperation(data []byte) (*model.Operation, error) {
	var w operationWire
	if err := jsonx.ParseJSONObject(bytes.NewReader(data), &w); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if w.Version == 0 {
		w.Version = currentVersion
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", w.OpID, err)
	}
	op := &model.Operation{
		OpID:      w.OpID,
		OpType:    w.OpType,
		TargetID:  w.TargetID,
		Timestamp: ts,
		DeviceID:  w.DeviceID,
		Payload:   w.Payload,
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

type snapshotWire struct {
	Version           int                   `json:"version"`
	Items             []model.ClipboardItem `json:"items"`
	SnapshotTimestamp string                `json:"snapshot_timestamp"`
	LastOpTimestamp   string                `json:"last_op_timestamp"`
	DeviceID          string                `json:"device_id"`
	CoveredOpIDs      []string              `json:"covered_op_ids"`
}

// EncodeSnapshot produces the canonical JSON bytes for snap.
func EncodeSnapshot(snap *model.Snapshot) ([]byte, error) {
	w := snapshotWire{
		Version:           currentVersion,
		Items:             snap.Items,
		SnapshotTimestamp: FormatTimestamp(snap.SnapshotTimestamp),
		LastOpTimestamp:   FormatTimestamp(snap.LastOpTimestamp),
		DeviceID:          snap.DeviceID,
		CoveredOpIDs:      snap.CoveredOpIDs,
	}
	return json.Marshal(w)
}

// DecodeSnapshot parses canonical snapshot bytes, rejecting unknown
// top-level fields.
func DecodeSnapshot(data []byte) (*model.Snapshot, error) {
	var w snapshotWire
	if err := jsonx.ParseJSONObject(bytes.NewReader(data), &w); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snapTS, err := ParseTimestamp(w.SnapshotTimestamp)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: snapshot_timestamp: %w", err)
	}
	lastTS, err := ParseTimestamp(w.LastOpTimestamp)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: last_op_timestamp: %w", err)
	}
	return &model.Snapshot{
		Items:             w.Items,
		SnapshotTimestamp: snapTS,
		LastOpTimestamp:   lastTS,
		DeviceID:          w.DeviceID,
		CoveredOpIDs:      w.CoveredOpIDs,
	}, nil
}

// LatestPointer is the body of snapshots/latest.
type LatestPointer struct {
	Key string `json:"key"`
}

func EncodeLatestPointer(p *LatestPointer) ([]byte, error) {
	return json.Marshal(struct {
		Version int    `json:"version"`
		Key     string `json:"key"`
	}{Version: currentVersion, Key: p.Key})
}

func DecodeLatestPointer(data []byte) (*LatestPointer, error) {
	var w struct {
		Version int    `json:"version"`
		Key     string `json:"key"`
	}
	if err := jsonx.ParseJSONObject(bytes.NewReader(data), &w); err != nil {
		return nil, fmt.Errorf("decode latest pointer: %w", err)
	}
	return &LatestPointer{Key: w.Key}, nil
}

// LockBody is the JSON body of locks/compact.lock.
type LockBody struct {
	DeviceID   string    `json:"device_id"`
	AcquiredAt string    `json:"acquired_at"`
	ExpiresAt  string    `json:"expires_at"`
}

func EncodeLock(l *LockBody) ([]byte, error) {
	return json.Marshal(struct {
		Version    int    `json:"version"`
		DeviceID   string `json:"device_id"`
		AcquiredAt string `json:"acquired_at"`
		ExpiresAt  string `json:"expires_at"`
	}{currentVersion, l.DeviceID, l.AcquiredAt, l.ExpiresAt})
}

func DecodeLock(data []byte) (*LockBody, error) {
	var w struct {
		Version    int    `json:"version"`
		DeviceID   string `json:"device_id"`
		AcquiredAt string `json:"acquired_at"`
		ExpiresAt  string `json:"expires_at"`
	}
	if err := jsonx.ParseJSONObject(bytes.NewReader(data), &w); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &LockBody{DeviceID: w.DeviceID, AcquiredAt: w.AcquiredAt, ExpiresAt: w.ExpiresAt}, nil
}
