package crdts

import (
	"bytes"
	"testing"

	"github.com/cshekharsharma/collabs/collab"
)

func TestLWWRegister_LocalSetIsVisibleImmediately(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	rr, _ := rt.RegisterChild("reg", NewLWWRegister)
	r := rr.(*LWWRegister)

	if _, ok := r.Get(); ok {
		t.Fatalf("expected a fresh register to report unset")
	}
	if err := r.Set([]byte("a")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := r.Get()
	if !ok || string(v) != "a" {
		t.Errorf("expected value %q, got %q ok=%v", "a", v, ok)
	}
}

func TestLWWRegister_ConcurrentSetsConvergeInAnyDeliveryOrder(t *testing.T) {
	var msgs [][]byte
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: func(e collab.SendEvent) { msgs = append(msgs, e.Message) }})
	rt2 := collab.New(collab.Config{DebugReplicaID: "r2", OnSend: func(e collab.SendEvent) { msgs = append(msgs, e.Message) }})
	r1r, _ := rt1.RegisterChild("reg", NewLWWRegister)
	r2r, _ := rt2.RegisterChild("reg", NewLWWRegister)
	r1, r2 := r1r.(*LWWRegister), r2r.(*LWWRegister)

	if err := r1.Set([]byte("from-r1")); err != nil {
		t.Fatalf("set r1: %v", err)
	}
	if err := r2.Set([]byte("from-r2")); err != nil {
		t.Fatalf("set r2: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	rt3 := collab.New(collab.Config{DebugReplicaID: "r3"})
	r3r, _ := rt3.RegisterChild("reg", NewLWWRegister)
	r3 := r3r.(*LWWRegister)
	if err := rt3.Receive(msgs[0], ""); err != nil {
		t.Fatalf("receive 0: %v", err)
	}
	if err := rt3.Receive(msgs[1], ""); err != nil {
		t.Fatalf("receive 1: %v", err)
	}

	rt4 := collab.New(collab.Config{DebugReplicaID: "r4"})
	r4r, _ := rt4.RegisterChild("reg", NewLWWRegister)
	r4 := r4r.(*LWWRegister)
	if err := rt4.Receive(msgs[1], ""); err != nil {
		t.Fatalf("receive 1 first: %v", err)
	}
	if err := rt4.Receive(msgs[0], ""); err != nil {
		t.Fatalf("receive 0 second: %v", err)
	}

	v3, _ := r3.Get()
	v4, _ := r4.Get()
	if !bytes.Equal(v3, v4) {
		t.Errorf("expected delivery-order-independent convergence, got %q vs %q", v3, v4)
	}
}

func TestLWWRegister_SaveLoadRoundTrip(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	r1r, _ := rt1.RegisterChild("reg", NewLWWRegister)
	if err := r1r.(*LWWRegister).Set([]byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	r2r, _ := rt2.RegisterChild("reg", NewLWWRegister)
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	v, ok := r2r.(*LWWRegister).Get()
	if !ok || string(v) != "x" {
		t.Errorf("expected loaded value %q, got %q ok=%v", "x", v, ok)
	}
}

func TestMVRegister_ConcurrentWritesBothSurvive(t *testing.T) {
	var msgs [][]byte
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: func(e collab.SendEvent) { msgs = append(msgs, e.Message) }})
	rt2 := collab.New(collab.Config{DebugReplicaID: "r2", OnSend: func(e collab.SendEvent) { msgs = append(msgs, e.Message) }})
	r1r, _ := rt1.RegisterChild("reg", NewMVRegister)
	r2r, _ := rt2.RegisterChild("reg", NewMVRegister)
	r1, r2 := r1r.(*MVRegister), r2r.(*MVRegister)

	if err := r1.Set([]byte("a")); err != nil {
		t.Fatalf("set r1: %v", err)
	}
	if err := r2.Set([]byte("b")); err != nil {
		t.Fatalf("set r2: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	rt3 := collab.New(collab.Config{DebugReplicaID: "r3"})
	r3r, _ := rt3.RegisterChild("reg", NewMVRegister)
	r3 := r3r.(*MVRegister)
	if err := rt3.Receive(msgs[0], ""); err != nil {
		t.Fatalf("receive a: %v", err)
	}
	if err := rt3.Receive(msgs[1], ""); err != nil {
		t.Fatalf("receive b: %v", err)
	}
	values := r3.Values()
	if len(values) != 2 {
		t.Fatalf("expected both concurrent writes to survive, got %d values", len(values))
	}
}

func TestMVRegister_CausallyLaterWriteSupersedesBoth(t *testing.T) {
	var msgs [][]byte
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: func(e collab.SendEvent) { msgs = append(msgs, e.Message) }})
	rt2 := collab.New(collab.Config{DebugReplicaID: "r2", OnSend: func(e collab.SendEvent) { msgs = append(msgs, e.Message) }})
	r1r, _ := rt1.RegisterChild("reg", NewMVRegister)
	r2r, _ := rt2.RegisterChild("reg", NewMVRegister)
	r1, r2 := r1r.(*MVRegister), r2r.(*MVRegister)

	if err := r1.Set([]byte("a")); err != nil {
		t.Fatalf("set r1: %v", err)
	}
	if err := rt2.Receive(msgs[0], ""); err != nil {
		t.Fatalf("receive a at r2: %v", err)
	}
	if err := r2.Set([]byte("b")); err != nil {
		t.Fatalf("set r2: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if err := rt1.Receive(msgs[1], ""); err != nil {
		t.Fatalf("receive b at r1: %v", err)
	}

	values := r1.Values()
	if len(values) != 1 || string(values[0]) != "b" {
		t.Errorf("expected b's write (made after observing a) to supersede it, got %v", values)
	}
}
