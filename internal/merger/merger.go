// Package merger holds the authoritative, reduced clipboard state and
// applies incoming operations under the Last-Writer-Wins rule, in the
// style of the RWMutex-guarded in-memory stores used elsewhere in this
// codebase: mutable state behind one lock, read paths taking the shared
// lock, writes taking the exclusive one.
package merger

import (
	"sync"

	"go.uber.org/zap"

	"github.com/clipsyncd/clipsyncd/internal/model"
)

// ChangeKind identifies the event a successful Apply produced, so callers
// (the local-store bridge, the control surface) can react without
// re-deriving it from state diffing.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeItemAdded
	ChangeItemRemoved
	ChangeItemReplaced
)

// Change describes the externally visible effect of applying one
// operation, corresponding to the clipboard-update / clipboard-delete
// events in spec.md §6.
type Change struct {
	Kind ChangeKind
	ID   string
	Item *model.ClipboardItem // set for Added/Replaced
}

// state is the authoritative reduction: present items plus the tombstone
// set that stops a late ADD from resurrecting something already deleted.
type state struct {
	items      map[string]*model.Operation // last-applied winning ADD, by target id
	tombstones map[string]*model.Tombstone
	seenOpIDs  map[string]struct{}
}

// Merger reduces the oplog into present state under one RWMutex, mirroring
// the teacher's ObjectStore: mutable state guarded by a single lock, reads
// on the shared half, writes on the exclusive half.
type Merger struct {
	log *zap.Logger

	mu sync.RWMutex
	st state

	subMu     sync.Mutex
	nextSubID int
	listeners map[int]func(Change)
}

func New(log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{
		log: log.Named("merger"),
		st: state{
			items:      make(map[string]*model.Operation),
			tombstones: make(map[string]*model.Tombstone),
			seenOpIDs:  make(map[string]struct{}),
		},
		listeners: make(map[int]func(Change)),
	}
}

// Subscribe registers fn to be called, synchronously and in Apply's
// caller goroutine, with every non-ChangeNone result Apply produces. It
// returns an unsubscribe func. Used by internal/localstore to mirror
// state into its Redis-backed cache without the merger importing it.
func (m *Merger) Subscribe(fn func(Change)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.listeners[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.listeners, id)
		m.subMu.Unlock()
	}
}

func (m *Merger) notify(ch Change) {
	if ch.Kind == ChangeNone {
		return
	}
	m.subMu.Lock()
	fns := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// Apply reduces op into state and reports the resulting externally
// visible change, or ChangeNone if op was a no-op (already seen, or
// dominated by a previously applied operation on the same target).
//
// Apply is idempotent: applying the same op_id twice, in any order
// relative to other operations, converges to the same state.
func (m *Merger) Apply(op *model.Operation) Change {
	ch := m.apply(op)
	m.notify(ch)
	return ch
}

func (m *Merger) apply(op *model.Operation) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.st.seenOpIDs[op.OpID]; dup {
		return Change{Kind: ChangeNone}
	}
	m.st.seenOpIDs[op.OpID] = struct{}{}

	return m.installIfDominant(op)
}

// installIfDominant compares op against whatever currently dominates its
// target (a live item or a tombstone) and, if op wins under LWW, installs
// it into state. Caller must hold m.mu. It never touches seenOpIDs: that
// dedup set only makes sense for real, globally-unique oplog op_ids, not
// for the synthetic operations LoadSnapshot and LoadExisting construct to
// run snapshot items and locally-persisted items through the same
// dominance path.
func (m *Merger) installIfDominant(op *model.Operation) Change {
	current, hasCurrent := m.st.items[op.TargetID]
	tomb, hasTomb := m.st.tombstones[op.TargetID]

	// Determine the currently-dominant operation for this target, real or
	// synthesized from the tombstone, so ADD vs DELETE compare uniformly.
	var dominant *model.Operation
	switch {
	case hasCurrent:
		dominant = current
	case hasTomb:
		dominant = &model.Operation{
			OpType:    model.OpDelete,
			TargetID:  op.TargetID,
			Timestamp: tomb.DeleteTimestamp,
			DeviceID:  tomb.DeleteDeviceID,
		}
	}

	if dominant != nil && !op.Dominates(dominant) {
		return Change{Kind: ChangeNone}
	}

	switch op.OpType {
	case model.OpAdd:
		delete(m.st.tombstones, op.TargetID)
		m.st.items[op.TargetID] = op
		kind := ChangeItemAdded
		if hasCurrent {
			kind = ChangeItemReplaced
		}
		return Change{Kind: kind, ID: op.TargetID, Item: op.Payload}
	case model.OpDelete:
		delete(m.st.items, op.TargetID)
		m.st.tombstones[op.TargetID] = &model.Tombstone{
			DeleteTimestamp: op.Timestamp,
			DeleteDeviceID:  op.DeviceID,
		}
		if !hasCurrent {
			// Nothing was visibly present; still record the tombstone but
			// don't emit a delete event for state the UI never saw.
			return Change{Kind: ChangeNone}
		}
		return Change{Kind: ChangeItemRemoved, ID: op.TargetID}
	default:
		return Change{Kind: ChangeNone}
	}
}

// HasSeen reports whether op_id has already been reduced into state,
// letting the puller skip re-downloading bodies it only needs to dedup.
func (m *Merger) HasSeen(opID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.st.seenOpIDs[opID]
	return ok
}

// Items returns a snapshot copy of all currently present clipboard items.
func (m *Merger) Items() []model.ClipboardItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ClipboardItem, 0, len(m.st.items))
	for _, op := range m.st.items {
		if op.Payload != nil {
			out = append(out, *op.Payload)
		}
	}
	return out
}

// ItemCount returns the number of currently present items.
func (m *Merger) ItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.st.items)
}

// Snapshot materializes the full reduced state for compaction, along with
// the set of op_ids it covers (every op_id seen so far, since a compacted
// snapshot subsumes the entire oplog prefix it was built from).
func (m *Merger) Snapshot() (items []model.ClipboardItem, tombstones map[string]model.Tombstone, coveredOpIDs []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items = make([]model.ClipboardItem, 0, len(m.st.items))
	for _, op := range m.st.items {
		if op.Payload != nil {
			items = append(items, *op.Payload)
		}
	}
	tombstones = make(map[string]model.Tombstone, len(m.st.tombstones))
	for id, t := range m.st.tombstones {
		tombstones[id] = *t
	}
	coveredOpIDs = make([]string, 0, len(m.st.seenOpIDs))
	for id := range m.st.seenOpIDs {
		coveredOpIDs = append(coveredOpIDs, id)
	}
	return items, tombstones, coveredOpIDs
}

// LoadSnapshot seeds state from a compacted snapshot, used on startup and
// whenever the puller fetches a fresher snapshots/latest. A snapshot item
// or tombstone only replaces existing state when it actually dominates it
// under LWW: a snapshot is a reduction of a PREFIX of the oplog as of its
// last_op_timestamp, and this device may already have applied a later,
// purely-local operation (e.g. its own DELETE) that the snapshot's
// publisher had not yet observed. Installing it unconditionally would
// resurrect whatever that later local operation removed, permanently,
// since its op_id is already in seenOpIDs and the puller never re-fetches
// it. Each item and tombstone is therefore synthesized into an Operation
// and pushed through the same dominance path as a real applied op.
func (m *Merger) LoadSnapshot(items []model.ClipboardItem, tombstones map[string]model.Tombstone, coveredOpIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range items {
		it := items[i]
		m.installIfDominant(&model.Operation{
			OpID:      "snapshot:" + it.ID,
			OpType:    model.OpAdd,
			TargetID:  it.ID,
			Timestamp: it.CreatedAt,
			DeviceID:  it.Metadata.SourceDevice,
			Payload:   &it,
		})
	}
	for id, t := range tombstones {
		m.installIfDominant(&model.Operation{
			OpID:      "snapshot-tombstone:" + id,
			OpType:    model.OpDelete,
			TargetID:  id,
			Timestamp: t.DeleteTimestamp,
			DeviceID:  t.DeleteDeviceID,
		})
	}
	for _, opID := range coveredOpIDs {
		m.st.seenOpIDs[opID] = struct{}{}
	}
}

// LoadExisting seeds state from items already reconciled into the durable
// local store on startup (spec.md §1: the core "reads existing state on
// startup"), so a device started without network connectivity shows its
// last-known clipboard instead of an empty one until the first successful
// pull. Each item is routed through the same dominance path as a real
// applied op, since the local store's reconciled snapshot could in
// principle be stale relative to state already seeded some other way
// during startup; it never touches seenOpIDs (these aren't oplog op_ids)
// and never notifies subscribers, since the local store is the caller and
// already holds this state.
func (m *Merger) LoadExisting(items []model.ClipboardItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range items {
		it := items[i]
		m.installIfDominant(&model.Operation{
			OpID:      "existing:" + it.ID,
			OpType:    model.OpAdd,
			TargetID:  it.ID,
			Timestamp: it.CreatedAt,
			DeviceID:  it.Metadata.SourceDevice,
			Payload:   &it,
		})
	}
}

// RemoveCoveredOpIDs drops op_ids from the seen set that a newly published
// snapshot has subsumed, bounding seenOpIDs' growth the way the compactor's
// best-effort GC expects (spec.md §4.6).
func (m *Merger) RemoveCoveredOpIDs(opIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range opIDs {
		delete(m.st.seenOpIDs, id)
	}
}
