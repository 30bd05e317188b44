package collab

import (
	"fmt"
	"testing"

	"github.com/cshekharsharma/collabs/wire"
)

// testGroup is a minimal Container fake (a fixed set of named testCounter
// children) used to exercise ResolveNamePath/Runtime.Resolve across more
// than one tree level, without depending on crdts/.
type testGroup struct {
	Node
	children map[string]*testCounter
}

func newTestGroup(n *Node) Collab {
	return &testGroup{Node: *n, children: make(map[string]*testCounter)}
}

func (g *testGroup) child(name string) *testCounter {
	c, ok := g.children[name]
	if !ok {
		childNode := &Node{}
		childNode.Init(name, g, g.Runtime())
		c = &testCounter{Node: *childNode}
		g.children[name] = c
	}
	return c
}

func (g *testGroup) ResolveChild(seg wire.Segment) (any, error) {
	if seg.IsBytes {
		return nil, fmt.Errorf("%w: testGroup addresses children by name", ErrMisuse)
	}
	return g.child(seg.Name), nil
}

func (g *testGroup) Children() []wire.Segment {
	out := make([]wire.Segment, 0, len(g.children))
	for name := range g.children {
		out = append(out, wire.StringSegment(name))
	}
	return out
}

func (g *testGroup) ReceiveLocal(payload []byte, meta wire.Meta) error { return nil }
func (g *testGroup) SavePayload() ([]byte, error)                     { return nil, nil }
func (g *testGroup) LoadPayload(data []byte) error                    { return nil }
func (g *testGroup) CanGC() bool                                      { return len(g.children) == 0 }

func TestRuntime_ChildrenEnumeratesRegisteredRoots(t *testing.T) {
	rt := New(Config{DebugReplicaID: "root-children"})
	if _, err := rt.RegisterChild("counter", newTestCounter); err != nil {
		t.Fatalf("register counter: %v", err)
	}
	if _, err := rt.RegisterChild("group", newTestGroup); err != nil {
		t.Fatalf("register group: %v", err)
	}

	names := map[string]bool{}
	for _, seg := range rt.Children() {
		names[seg.Name] = true
	}
	if !names["counter"] || !names["group"] {
		t.Errorf("expected both roots enumerated, got %v", names)
	}
}

func TestRuntime_ResolveWalksNestedPath(t *testing.T) {
	rt := New(Config{DebugReplicaID: "resolve"})
	groupRoot, err := rt.RegisterChild("group", newTestGroup)
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
	group := groupRoot.(*testGroup)
	inner := group.child("inner")
	if err := inner.Add(5); err != nil {
		t.Fatalf("add through lazily-created child: %v", err)
	}

	resolved, err := rt.Resolve([]wire.Segment{wire.StringSegment("group"), wire.StringSegment("inner")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, ok := resolved.(*testCounter)
	if !ok {
		t.Fatalf("expected resolved child to be a *testCounter, got %T", resolved)
	}
	if got.Value() != 5 {
		t.Errorf("expected resolved child's value 5, got %d", got.Value())
	}
}

func TestRuntime_ResolveRejectsUnregisteredRoot(t *testing.T) {
	rt := New(Config{DebugReplicaID: "resolve-missing"})
	if _, err := rt.Resolve([]wire.Segment{wire.StringSegment("nope")}); err == nil {
		t.Errorf("expected an error resolving an unregistered root")
	}
}

func TestResolveNamePath_WalksFromInteriorContainer(t *testing.T) {
	rt := New(Config{DebugReplicaID: "resolve-interior"})
	groupRoot, err := rt.RegisterChild("group", newTestGroup)
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
	group := groupRoot.(*testGroup)
	inner := group.child("inner")
	if err := inner.Add(9); err != nil {
		t.Fatalf("add: %v", err)
	}

	resolved, err := ResolveNamePath(group, []wire.Segment{wire.StringSegment("inner")})
	if err != nil {
		t.Fatalf("resolve name path: %v", err)
	}
	if resolved.(*testCounter).Value() != 9 {
		t.Errorf("expected value 9, got %d", resolved.(*testCounter).Value())
	}
}
