package crdts

import (
	"testing"

	"github.com/cshekharsharma/collabs/collab"
)

func TestLazyMap_FreshKeyIsAbsentUntouchedButConstructible(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt.RegisterChild("m", NewLazyMap(NewCCounter))
	lm := lr.(*LazyMap)

	if lm.Has("k") {
		t.Fatalf("expected an untouched key to report absent")
	}
	child := lm.Get("k").(*CCounter)
	if !child.CanGC() {
		t.Errorf("expected a freshly constructed child to be collectible")
	}
}

func TestLazyMap_MutatingChildMakesKeyPresentAndSaved(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt1.RegisterChild("m", NewLazyMap(NewCCounter))
	lm := lr.(*LazyMap)

	child := lm.Get("k").(*CCounter)
	if err := rt1.Transact(func() error { return child.Add(5) }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !lm.Has("k") {
		t.Errorf("expected key k to be present after a non-trivial mutation")
	}

	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	lr2, _ := rt2.RegisterChild("m", NewLazyMap(NewCCounter))
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	lm2 := lr2.(*LazyMap)
	if !lm2.Has("k") {
		t.Fatalf("expected key k to survive save/load")
	}
	if got := lm2.Get("k").(*CCounter).Value(); got != 5 {
		t.Errorf("expected restored value 5, got %v", got)
	}
}

func TestLazyMap_UntouchedKeyIsNotPersisted(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	lr, _ := rt1.RegisterChild("m", NewLazyMap(NewCCounter))
	lm := lr.(*LazyMap)

	// touch "k" locally (constructing but never mutating it), and set "j"
	// for real, so the save should carry only "j".
	_ = lm.Get("k")
	child := lm.Get("j").(*CCounter)
	if err := rt1.Transact(func() error { return child.Add(1) }); err != nil {
		t.Fatalf("add: %v", err)
	}

	if got := lm.Children(); len(got) != 1 || got[0].Name != "j" {
		t.Errorf("expected only non-trivial child j to be enumerated, got %v", got)
	}
}
