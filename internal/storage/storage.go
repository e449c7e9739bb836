// Package storage defines the backend-agnostic object-storage contract
// every other component depends on. Concrete backends (filesystem, S3,
// S3-compatible, Aliyun OSS, Tencent COS, Azure Blob) implement Driver;
// nothing above this package knows which one is configured.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrKind classifies a storage failure per spec.md §7. Callers branch on
// Kind, never on backend-specific error types.
type ErrKind string

const (
	KindNetwork          ErrKind = "Network"
	KindTimeout          ErrKind = "Timeout"
	KindAuth             ErrKind = "Auth"
	KindNotFound         ErrKind = "NotFound"
	KindAlreadyExists    ErrKind = "AlreadyExists"
	KindBackendTransient ErrKind = "BackendTransient"
	KindBackendPermanent ErrKind = "BackendPermanent"
	KindCorrupt          ErrKind = "Corrupt"
)

// Error wraps a backend failure with its taxonomy kind.
type Error struct {
	Kind ErrKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage: %s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %s", e.Op, e.Key, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrKind carried by err, if any.
func KindOf(err error) (ErrKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// retriable reports whether a storage error should be retried by the
// backoff wrapper. Only transient transport failures qualify; Auth,
// NotFound, AlreadyExists, and BackendPermanent never are (spec.md §4.2).
func retriable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindNetwork, KindTimeout, KindBackendTransient:
		return true
	default:
		return false
	}
}

// Driver is the uniform object-storage contract. Keys use forward
// slashes regardless of backend.
type Driver interface {
	// Put writes bytes under key. If overwrite is false and key already
	// exists, Put fails with a KindAlreadyExists Error.
	Put(ctx context.Context, key string, data []byte, overwrite bool) error
	// Get returns the bytes stored under key, or a KindNotFound Error.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
