package crdts

import (
	"testing"

	"github.com/cshekharsharma/collabs/collab"
)

func TestText_InsertAndDeleteRoundTrip(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	tr, _ := rt.RegisterChild("doc", NewText)
	txt := tr.(*Text)

	if err := rt.Transact(func() error { return txt.InsertText(0, "hello") }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := txt.String(); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if err := rt.Transact(func() error { return txt.DeleteText(1, 3) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := txt.String(); got != "ho" {
		t.Errorf("expected ho after deleting ell, got %q", got)
	}
}

func TestText_ConvergesAcrossReplicas(t *testing.T) {
	var sent []byte
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-1", OnSend: func(e collab.SendEvent) { sent = e.Message }})
	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	t1r, _ := rt1.RegisterChild("doc", NewText)
	t2r, _ := rt2.RegisterChild("doc", NewText)
	t1, t2 := t1r.(*Text), t2r.(*Text)

	if err := rt1.Transact(func() error { return t1.InsertText(0, "abc") }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := t2.String(); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}

// TestText_ConcurrentInsertsAtSameGap is spec.md §8 scenario 2's exact
// example: both replicas hold "XY" and concurrently insert "a" and "b"
// between X and Y; every replica ends up with either "XabY" or "XbaY",
// never interleaved, and all replicas agree on which.
func TestText_ConcurrentInsertsAtSameGap(t *testing.T) {
	var msgs [][]byte
	relay := func(e collab.SendEvent) { msgs = append(msgs, e.Message) }
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: relay})
	rt2 := collab.New(collab.Config{DebugReplicaID: "r2", OnSend: relay})
	t1r, _ := rt1.RegisterChild("doc", NewText)
	t2r, _ := rt2.RegisterChild("doc", NewText)
	t1, t2 := t1r.(*Text), t2r.(*Text)

	if err := rt1.Transact(func() error { return t1.InsertText(0, "XY") }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := rt2.Receive(msgs[0], ""); err != nil {
		t.Fatalf("receive seed: %v", err)
	}
	if err := rt1.Transact(func() error { return t1.InsertText(1, "a") }); err != nil {
		t.Fatalf("r1 insert a: %v", err)
	}
	if err := rt2.Transact(func() error { return t2.InsertText(1, "b") }); err != nil {
		t.Fatalf("r2 insert b: %v", err)
	}
	if err := rt1.Receive(msgs[2], ""); err != nil {
		t.Fatalf("r1 receive b: %v", err)
	}
	if err := rt2.Receive(msgs[1], ""); err != nil {
		t.Fatalf("r2 receive a: %v", err)
	}

	r1, r2 := t1.String(), t2.String()
	if r1 != r2 {
		t.Fatalf("expected convergence, got %q vs %q", r1, r2)
	}
	if r1 != "XabY" && r1 != "XbaY" {
		t.Errorf("expected XabY or XbaY, got %q", r1)
	}
}
