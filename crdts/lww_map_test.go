package crdts

import (
	"testing"

	"github.com/cshekharsharma/collabs/collab"
)

func TestLWWMap_SetGetHasKeys(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	mr, _ := rt.RegisterChild("m", NewLWWMap)
	m := mr.(*LWWMap)

	if m.Has("a") {
		t.Fatalf("expected fresh map to not have key a")
	}
	if err := m.Set("a", []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := m.Set("b", []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if !m.Has("a") {
		t.Errorf("expected map to have key a after Set")
	}
	v, ok := m.Get("a")
	if !ok || string(v) != "1" {
		t.Errorf("expected a=1, got %q ok=%v", v, ok)
	}
	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected sorted keys [a b], got %v", keys)
	}
}

func TestLWWMap_ConvergesAcrossReplicas(t *testing.T) {
	var sent []byte
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: func(e collab.SendEvent) { sent = e.Message }})
	rt2 := collab.New(collab.Config{DebugReplicaID: "r2"})
	m1r, _ := rt1.RegisterChild("m", NewLWWMap)
	m2r, _ := rt2.RegisterChild("m", NewLWWMap)
	m1, m2 := m1r.(*LWWMap), m2r.(*LWWMap)

	if err := m1.Set("k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("receive: %v", err)
	}
	v, ok := m2.Get("k")
	if !ok || string(v) != "v" {
		t.Errorf("expected replicated value v, got %q ok=%v", v, ok)
	}
}

func TestLWWMap_SaveLoadOnlyPersistsSetKeys(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	m1r, _ := rt1.RegisterChild("m", NewLWWMap)
	m1 := m1r.(*LWWMap)
	if err := m1.Set("k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = m1.Has("untouched") // referencing an unset key must not leak it into the save

	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	m2r, _ := rt2.RegisterChild("m", NewLWWMap)
	m2 := m2r.(*LWWMap)
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	if keys := m2.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Errorf("expected only key k after load, got %v", keys)
	}
}
