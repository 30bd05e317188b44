package crdts

import (
	"testing"

	"github.com/cshekharsharma/collabs/collab"
)

func TestCSet_AddReturnsUsableMember(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	sr, _ := rt.RegisterChild("set", NewCSet(NewCCounter))
	s := sr.(*CSet)

	id, child, err := s.Add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rt.Transact(func() error { return child.(*CCounter).Add(2) }); err != nil {
		t.Fatalf("add to counter: %v", err)
	}
	got, archived, ok := s.Get(id)
	if !ok || archived {
		t.Fatalf("expected member present and not archived, got ok=%v archived=%v", ok, archived)
	}
	if got.(*CCounter).Value() != 2 {
		t.Errorf("expected value 2, got %v", got.(*CCounter).Value())
	}
}

func TestCSet_DeleteRemovesMember(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	sr, _ := rt.RegisterChild("set", NewCSet(NewCCounter))
	s := sr.(*CSet)

	id, _, err := s.Add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, ok := s.Get(id); ok {
		t.Errorf("expected member gone after delete")
	}
}

func TestCSet_ArchiveRestoreRoundTrip(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	sr, _ := rt.RegisterChild("set", NewCSet(NewCCounter))
	s := sr.(*CSet)

	id, _, err := s.Add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.SetArchived(id, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, archived, ok := s.Get(id); !ok || !archived {
		t.Fatalf("expected archived present member")
	}
	if err := s.SetArchived(id, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, archived, ok := s.Get(id); !ok || archived {
		t.Fatalf("expected restored member")
	}
}

func TestCSet_ResetReplacesValueKeepsMembership(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	sr, _ := rt.RegisterChild("set", NewCSet(NewCCounter))
	s := sr.(*CSet)

	id, child, err := s.Add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rt.Transact(func() error { return child.(*CCounter).Add(5) }); err != nil {
		t.Fatalf("add to counter: %v", err)
	}
	if err := s.Reset(id); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _, ok := s.Get(id)
	if !ok {
		t.Fatalf("expected member to survive reset")
	}
	if got.(*CCounter).Value() != 0 {
		t.Errorf("expected reset value to be 0, got %v", got.(*CCounter).Value())
	}
}

func TestCSet_ConvergesAcrossReplicas(t *testing.T) {
	var sent []byte
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-1", OnSend: func(e collab.SendEvent) { sent = e.Message }})
	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	s1r, _ := rt1.RegisterChild("set", NewCSet(NewCCounter))
	s2r, _ := rt2.RegisterChild("set", NewCSet(NewCCounter))
	s1, s2 := s1r.(*CSet), s2r.(*CSet)

	id, _, err := s1.Add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, _, ok := s2.Get(id); !ok {
		t.Errorf("expected receiver to see new member")
	}
}

func TestCSet_SaveLoadRoundTrip(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	s1r, _ := rt1.RegisterChild("set", NewCSet(NewCCounter))
	s1 := s1r.(*CSet)

	id, child, err := s1.Add()
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rt1.Transact(func() error { return child.(*CCounter).Add(6) }); err != nil {
		t.Fatalf("add to counter: %v", err)
	}
	if err := s1.SetArchived(id, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	s2r, _ := rt2.RegisterChild("set", NewCSet(NewCCounter))
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	s2 := s2r.(*CSet)
	got, archived, ok := s2.Get(id)
	if !ok || !archived {
		t.Fatalf("expected restored archived member")
	}
	if got.(*CCounter).Value() != 6 {
		t.Errorf("expected restored value 6, got %v", got.(*CCounter).Value())
	}
}
