package crdts

import (
	"testing"
	"time"

	"github.com/cshekharsharma/collabs/collab"
)

func TestPresenceMap_SetAppliesLocally(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	pr, _ := rt.RegisterChild("presence", NewPresenceMap(time.Minute))
	p := pr.(*PresenceMap)

	if err := p.Set(map[string][]byte{"cursor": []byte("12")}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	fields, ok := p.Get(t.Name())
	if !ok {
		t.Fatalf("expected own presence visible after Set")
	}
	if string(fields["cursor"]) != "12" {
		t.Errorf("expected cursor=12, got %q", fields["cursor"])
	}
}

func TestPresenceMap_UpdatePatchesSubset(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	pr, _ := rt.RegisterChild("presence", NewPresenceMap(time.Minute))
	p := pr.(*PresenceMap)

	if err := p.Set(map[string][]byte{"cursor": []byte("1"), "color": []byte("red")}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := p.Update(map[string][]byte{"cursor": []byte("2")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	fields, ok := p.Get(t.Name())
	if !ok {
		t.Fatalf("expected presence present")
	}
	if string(fields["cursor"]) != "2" {
		t.Errorf("expected cursor patched to 2, got %q", fields["cursor"])
	}
	if string(fields["color"]) != "red" {
		t.Errorf("expected color untouched, got %q", fields["color"])
	}
}

func TestPresenceMap_DeleteWithdrawsPresence(t *testing.T) {
	rt := collab.New(collab.Config{DebugReplicaID: t.Name()})
	pr, _ := rt.RegisterChild("presence", NewPresenceMap(time.Minute))
	p := pr.(*PresenceMap)

	if err := p.Set(map[string][]byte{"cursor": []byte("1")}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := p.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := p.Get(t.Name()); ok {
		t.Errorf("expected presence gone after Delete")
	}
}

func TestPresenceMap_ConvergesAcrossReplicas(t *testing.T) {
	var sent []byte
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: func(e collab.SendEvent) { sent = e.Message }})
	rt2 := collab.New(collab.Config{DebugReplicaID: "r2"})
	p1r, _ := rt1.RegisterChild("presence", NewPresenceMap(time.Minute))
	p2r, _ := rt2.RegisterChild("presence", NewPresenceMap(time.Minute))
	p1, p2 := p1r.(*PresenceMap), p2r.(*PresenceMap)

	if err := p1.Set(map[string][]byte{"name": []byte("alice")}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("receive: %v", err)
	}
	fields, ok := p2.Get("r1")
	if !ok {
		t.Fatalf("expected r2 to see r1's presence")
	}
	if string(fields["name"]) != "alice" {
		t.Errorf("expected name=alice, got %q", fields["name"])
	}
}

func TestPresenceMap_ExpiryFiresLocalEventAndClearsEntry(t *testing.T) {
	var expired bool
	rt2 := collab.New(collab.Config{
		DebugReplicaID: "r2",
		OnUpdate: func(e collab.UpdateEvent) {
			if e.Type == collab.UpdateFromExpiry {
				expired = true
			}
		},
	})
	var sent []byte
	rt1 := collab.New(collab.Config{DebugReplicaID: "r1", OnSend: func(e collab.SendEvent) { sent = e.Message }})
	p1r, _ := rt1.RegisterChild("presence", NewPresenceMap(time.Minute))
	p2r, _ := rt2.RegisterChild("presence", NewPresenceMap(20 * time.Millisecond))
	p1 := p1r.(*PresenceMap)
	p2 := p2r.(*PresenceMap)

	if err := p1.Set(map[string][]byte{"name": []byte("alice")}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, ok := p2.Get("r1"); !ok {
		t.Fatalf("expected presence visible before expiry")
	}
	time.Sleep(80 * time.Millisecond)
	if _, ok := p2.Get("r1"); ok {
		t.Errorf("expected presence gone after TTL expiry")
	}
	if !expired {
		t.Errorf("expected UpdateFromExpiry event to fire")
	}
}

func TestPresenceMap_SaveLoadDoesNotPersistPresence(t *testing.T) {
	rt1 := collab.New(collab.Config{DebugReplicaID: t.Name()})
	p1r, _ := rt1.RegisterChild("presence", NewPresenceMap(time.Minute))
	p1 := p1r.(*PresenceMap)

	if err := p1.Set(map[string][]byte{"cursor": []byte("1")}, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2 := collab.New(collab.Config{DebugReplicaID: t.Name() + "-2"})
	p2r, _ := rt2.RegisterChild("presence", NewPresenceMap(time.Minute))
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	p2 := p2r.(*PresenceMap)
	if _, ok := p2.Get(t.Name()); ok {
		t.Errorf("expected presence to not survive save/load, it is ephemeral")
	}
}
