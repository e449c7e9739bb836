package merger

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/clipsyncd/clipsyncd/internal/model"
)

func addOp(id, opID, deviceID string, ts time.Time, content string) *model.Operation {
	return &model.Operation{
		OpID:      opID,
		OpType:    model.OpAdd,
		TargetID:  id,
		Timestamp: ts,
		DeviceID:  deviceID,
		Payload: &model.ClipboardItem{
			ID:          id,
			ContentType: "text/plain",
			Content:     []byte(content),
			CreatedAt:   ts,
			Metadata:    model.Metadata{SourceDevice: deviceID},
		},
	}
}

func delOp(id, opID, deviceID string, ts time.Time) *model.Operation {
	return &model.Operation{
		OpID:      opID,
		OpType:    model.OpDelete,
		TargetID:  id,
		Timestamp: ts,
		DeviceID:  deviceID,
	}
}

func TestTwoDeviceConvergence(t *testing.T) {
	base := time.Unix(1000, 0)
	m := New(nil)

	m.Apply(addOp("x1", "op-a1", "aa", base, "hello"))
	m.Apply(addOp("x2", "op-b1", "bb", base, "world"))

	items := m.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d: %s", len(items), spew.Sdump(items))
	}
}

func TestLWWTimestampWins(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Second)
	m := New(nil)

	m.Apply(addOp("x1", "op-1", "aa", t0, "first"))
	ch := m.Apply(addOp("x1", "op-2", "bb", t1, "second"))

	if ch.Kind != ChangeItemReplaced {
		t.Fatalf("expected ChangeItemReplaced, got %v", ch.Kind)
	}
	items := m.Items()
	if len(items) != 1 || string(items[0].Content) != "second" {
		t.Fatalf("expected later write to win: %s", spew.Sdump(items))
	}
}

func TestLWWTieBreaksOnDeviceID(t *testing.T) {
	ts := time.Unix(1000, 0)
	m := New(nil)

	m.Apply(addOp("x1", "op-low", "aa", ts, "from-aa"))
	m.Apply(addOp("x1", "op-high", "bb", ts, "from-bb"))

	items := m.Items()
	if len(items) != 1 || string(items[0].Content) != "from-bb" {
		t.Fatalf("expected device_id tie-break to favor \"bb\": %s", spew.Sdump(items))
	}

	// Applying the "aa" write again (e.g. redelivered) must not resurrect it.
	m.Apply(addOp("x1", "op-low", "aa", ts, "from-aa"))
	items = m.Items()
	if len(items) != 1 || string(items[0].Content) != "from-bb" {
		t.Fatalf("replay of dominated op must stay a no-op: %s", spew.Sdump(items))
	}
}

func TestDeleteBeatsAdd(t *testing.T) {
	t0 := time.Unix(1000, 0)
	m := New(nil)

	m.Apply(addOp("x1", "op-1", "aa", t0, "v1"))
	ch := m.Apply(delOp("x1", "op-2", "aa", t0.Add(time.Second)))
	if ch.Kind != ChangeItemRemoved {
		t.Fatalf("expected ChangeItemRemoved, got %v", ch.Kind)
	}
	if m.ItemCount() != 0 {
		t.Fatalf("expected 0 items after delete, got %d", m.ItemCount())
	}
}

func TestLateAddCannotResurrectTombstone(t *testing.T) {
	t0 := time.Unix(1000, 0)
	m := New(nil)

	m.Apply(delOp("x1", "op-del", "aa", t0.Add(2*time.Second)))
	// A late ADD with an earlier timestamp must not resurrect the item.
	ch := m.Apply(addOp("x1", "op-add", "bb", t0, "late"))

	if ch.Kind != ChangeNone {
		t.Fatalf("expected late add to be a no-op, got %v", ch.Kind)
	}
	if m.ItemCount() != 0 {
		t.Fatalf("tombstone must have prevented resurrection")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t0 := time.Unix(1000, 0)
	m := New(nil)

	op := addOp("x1", "op-1", "aa", t0, "v1")
	first := m.Apply(op)
	second := m.Apply(op)

	if first.Kind != ChangeItemAdded {
		t.Fatalf("expected first apply to add, got %v", first.Kind)
	}
	if second.Kind != ChangeNone {
		t.Fatalf("expected duplicate op_id to be a no-op, got %v", second.Kind)
	}
	if m.ItemCount() != 1 {
		t.Fatalf("expected exactly 1 item after duplicate apply")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t0 := time.Unix(1000, 0)
	src := New(nil)
	src.Apply(addOp("x1", "op-1", "aa", t0, "v1"))
	src.Apply(delOp("x2", "op-2", "aa", t0))

	items, tombstones, covered := src.Snapshot()

	dst := New(nil)
	dst.LoadSnapshot(items, tombstones, covered)

	if dst.ItemCount() != 1 {
		t.Fatalf("expected snapshot to carry 1 item, got %d", dst.ItemCount())
	}
	if !dst.HasSeen("op-1") || !dst.HasSeen("op-2") {
		t.Fatalf("expected covered op_ids to be marked seen after loading snapshot")
	}
}

// TestStaleSnapshotCannotResurrectLocalDelete reproduces the scenario where
// device A adds then deletes an item locally, and later pulls a snapshot
// published by device B before B had observed A's delete. The snapshot
// still shows the item present and does not cover A's delete op_id. A
// correct LoadSnapshot must not let that stale item resurrect the local
// tombstone, since A's delete op_id is already in seenOpIDs and the
// puller's dedup means the correcting delete would never be re-fetched.
func TestStaleSnapshotCannotResurrectLocalDelete(t *testing.T) {
	t0 := time.Unix(1000, 0)
	a := New(nil)

	a.Apply(addOp("x1", "op-add-a", "aa", t0, "v1"))
	a.Apply(delOp("x1", "op-del-a", "aa", t0.Add(time.Second)))
	if a.ItemCount() != 0 {
		t.Fatalf("expected local delete to remove item before snapshot load")
	}

	staleItems := []model.ClipboardItem{
		{
			ID:          "x1",
			ContentType: "text/plain",
			Content:     []byte("v1"),
			CreatedAt:   t0,
			Metadata:    model.Metadata{SourceDevice: "aa"},
		},
	}
	a.LoadSnapshot(staleItems, nil, []string{"op-add-a"})

	if a.ItemCount() != 0 {
		t.Fatalf("stale snapshot must not resurrect an item dominated by a local tombstone")
	}
	if _, ok := a.st.items["x1"]; ok {
		t.Fatalf("item must not be reinstalled")
	}
}
