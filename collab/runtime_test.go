package collab

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/cshekharsharma/collabs/wire"
)

// testCounter is a minimal leaf Collab (no children) used to exercise the
// runtime without depending on crdts/, which itself depends on collab/.
type testCounter struct {
	Node
	value uint64
}

func newTestCounter(n *Node) Collab {
	return &testCounter{Node: *n}
}

func (c *testCounter) Add(delta uint64) error {
	return c.Runtime().WithAutoTransaction(func() error {
		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, delta)
		return c.Send(payload)
	})
}

func (c *testCounter) Value() uint64 { return c.value }

func (c *testCounter) ReceiveLocal(payload []byte, _ wire.Meta) error {
	c.value += binary.BigEndian.Uint64(payload)
	return nil
}

func (c *testCounter) SavePayload() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, c.value)
	return buf, nil
}

func (c *testCounter) LoadPayload(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if got := binary.BigEndian.Uint64(data); got > c.value {
		c.value = got
	}
	return nil
}

func (c *testCounter) CanGC() bool { return c.value == 0 }

var testRuntimeSeq int

func newTestRuntime(t *testing.T, onSend func(SendEvent)) (*Runtime, *testCounter) {
	t.Helper()
	testRuntimeSeq++
	rt := New(Config{DebugReplicaID: fmt.Sprintf("%s-%d", t.Name(), testRuntimeSeq), OnSend: onSend})
	c, err := rt.RegisterChild("counter", newTestCounter)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return rt, c.(*testCounter)
}

func TestRuntime_LocalEchoAppliesImmediately(t *testing.T) {
	rt, counter := newTestRuntime(t, nil)
	if err := rt.Transact(func() error { return counter.Add(5) }); err != nil {
		t.Fatalf("transact: %v", err)
	}
	if counter.Value() != 5 {
		t.Errorf("expected local echo to apply immediately, got %d", counter.Value())
	}
}

func TestRuntime_SendAndReceiveConverge(t *testing.T) {
	var sent []byte
	rt1, c1 := newTestRuntime(t, func(e SendEvent) { sent = e.Message })
	rt2, c2 := newTestRuntime(t, nil)

	if err := c1.Add(3); err != nil {
		t.Fatalf("add: %v", err)
	}
	if sent == nil {
		t.Fatalf("expected a Send event")
	}
	if err := rt2.Receive(sent, "peer"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if c2.Value() != 3 {
		t.Errorf("expected receiver to converge to 3, got %d", c2.Value())
	}
	_ = rt1
}

func TestRuntime_SendOutsideTransactionIsRejected(t *testing.T) {
	rt := New(Config{DebugReplicaID: "solo", AutoTransactions: AutoTransactionError})
	c, _ := rt.RegisterChild("counter", newTestCounter)
	counter := c.(*testCounter)
	if err := counter.Add(1); err == nil {
		t.Errorf("expected an error adding outside an explicit transaction under AutoTransactionError")
	}
}

func TestRuntime_ReceiveDuplicateIsIdempotent(t *testing.T) {
	var sent []byte
	rt1, c1 := newTestRuntime(t, func(e SendEvent) { sent = e.Message })
	rt2, c2 := newTestRuntime(t, nil)
	_ = rt1

	if err := c1.Add(4); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if err := rt2.Receive(sent, ""); err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if c2.Value() != 4 {
		t.Errorf("expected idempotent receive, got %d", c2.Value())
	}
}

func TestRuntime_OutOfOrderDeliveryIsBuffered(t *testing.T) {
	var msgs [][]byte
	rt1, c1 := newTestRuntime(t, func(e SendEvent) { msgs = append(msgs, e.Message) })
	rt2, c2 := newTestRuntime(t, nil)
	_ = rt1

	if err := c1.Add(1); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := c1.Add(2); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 sent messages, got %d", len(msgs))
	}

	if err := rt2.Receive(msgs[1], ""); err != nil {
		t.Fatalf("receive second: %v", err)
	}
	if c2.Value() != 0 {
		t.Errorf("expected out-of-order txn to be buffered, not applied yet; value=%d", c2.Value())
	}
	if rt2.PendingCount() != 1 {
		t.Errorf("expected 1 pending txn, got %d", rt2.PendingCount())
	}

	if err := rt2.Receive(msgs[0], ""); err != nil {
		t.Fatalf("receive first: %v", err)
	}
	if c2.Value() != 3 {
		t.Errorf("expected both txns applied after causal predecessor arrived, got %d", c2.Value())
	}
	if rt2.PendingCount() != 0 {
		t.Errorf("expected empty pending buffer, got %d", rt2.PendingCount())
	}
}

func TestRuntime_SaveLoadRoundTrip(t *testing.T) {
	rt1, c1 := newTestRuntime(t, nil)
	if err := c1.Add(10); err != nil {
		t.Fatalf("add: %v", err)
	}

	data, err := rt1.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rt2, c2 := newTestRuntime(t, nil)
	if err := rt2.Load(data, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c2.Value() != 10 {
		t.Errorf("expected loaded value 10, got %d", c2.Value())
	}
}
