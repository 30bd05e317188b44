package crdts

import (
	"testing"

	"github.com/cshekharsharma/collabs/collab"
)

func TestCList_InsertReturnsUsableChild(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt.RegisterChild("list", NewCList(NewCCounter))
	l := lr.(*CList)

	child, err := l.Insert(0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	counter := child.(*CCounter)
	if err := rt.Transact(func() error { return counter.Add(3) }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if counter.Value() != 3 {
		t.Errorf("expected 3, got %v", counter.Value())
	}
	if l.Length() != 1 {
		t.Errorf("expected length 1, got %d", l.Length())
	}
}

func TestCList_DeleteRemovesElement(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt.RegisterChild("list", NewCList(NewCCounter))
	l := lr.(*CList)

	if _, err := l.Insert(0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := l.Insert(1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Delete(0, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if l.Length() != 1 {
		t.Errorf("expected length 1 after delete, got %d", l.Length())
	}
}

func TestCList_MoveRetainsIdentity(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt.RegisterChild("list", NewCList(NewCCounter))
	l := lr.(*CList)

	a, err := l.Insert(0)
	if err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := l.Insert(1); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if err := rt.Transact(func() error { return a.(*CCounter).Add(9) }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := l.Move(0, 1); err != nil {
		t.Fatalf("move: %v", err)
	}
	got, archived, err := l.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if archived {
		t.Errorf("expected moved element to not be archived")
	}
	if got.(*CCounter).Value() != 9 {
		t.Errorf("expected moved element to retain its value, got %v", got.(*CCounter).Value())
	}
}

func TestCList_ArchiveRestoreRoundTrip(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt.RegisterChild("list", NewCList(NewCCounter))
	l := lr.(*CList)

	if _, err := l.Insert(0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.SetArchived(0, 1, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, archived, err := l.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !archived {
		t.Errorf("expected archived")
	}
	if err := l.SetArchived(0, 1, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	_, archived, err = l.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if archived {
		t.Errorf("expected restored")
	}
	if l.Length() != 1 {
		t.Errorf("expected archive/restore to never change length, got %d", l.Length())
	}
}

func TestCList_SaveLoadRoundTrip(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	l1r, _ := rt1.RegisterChild("list", NewCList(NewCCounter))
	l1 := l1r.(*CList)

	a, err := l1.Insert(0)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rt1.Transact(func() error { return a.(*CCounter).Add(4) }); err != nil {
		t.Fatalf("add: %v", err)
	}
	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	l2r, _ := rt2.RegisterChild("list", NewCList(NewCCounter))
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	l2 := l2r.(*CList)
	if l2.Length() != 1 {
		t.Fatalf("expected restored length 1, got %d", l2.Length())
	}
	got, _, err := l2.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.(*CCounter).Value() != 4 {
		t.Errorf("expected restored value 4, got %v", got.(*CCounter).Value())
	}
}
