package crdts

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cshekharsharma/collabs/collab"
	"github.com/cshekharsharma/collabs/wire"
	"github.com/google/uuid"
)

// DefaultPresenceTTL is spec.md §4.6's default presence expiry window.
const DefaultPresenceTTL = 30 * time.Second

// presenceHeartbeatJitter bounds the random delay before replying to a
// requestAll, per SPEC_FULL.md §C.5: avoids every present replica
// re-announcing in the same instant.
const presenceHeartbeatJitter = 50 * time.Millisecond

type presenceEntry struct {
	fields  map[string][]byte
	session uuid.UUID
	timer   *time.Timer
}

// PresenceMap is spec.md §4.6's presence map: per-replica ephemeral
// fields with a TTL, never part of persisted document state (its
// SavePayload/LoadPayload are no-ops — presence is reconstructed by
// replicas re-announcing, not by loading a snapshot). Keyed by the
// announcing replica id; every announcement carries this instance's
// `session` UUID (SPEC_FULL.md §B, the same use `brunokim-causal-tree`
// makes of a site-id-like value), which the receiver stores on the entry.
// Nothing compares sessions: a newer announcement under the same replica
// id replaces the entry whichever session sent it.
type PresenceMap struct {
	collab.Node
	mu      sync.Mutex
	ttl     time.Duration
	session uuid.UUID
	self    map[string][]byte
	entries map[string]*presenceEntry
}

// NewPresenceMap returns a constructor for a PresenceMap with the given
// TTL (DefaultPresenceTTL if ttl <= 0).
func NewPresenceMap(ttl time.Duration) func(*collab.Node) collab.Collab {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return func(n *collab.Node) collab.Collab {
		return &PresenceMap{
			Node:    *n,
			ttl:     ttl,
			session: uuid.New(),
			entries: make(map[string]*presenceEntry),
		}
	}
}

// Set announces fields as this replica's full presence value. requestAll
// asks every other present replica to re-announce.
func (p *PresenceMap) Set(fields map[string][]byte, requestAll bool) error {
	p.mu.Lock()
	p.self = cloneFields(fields)
	p.mu.Unlock()
	return p.Runtime().WithAutoTransaction(func() error {
		return p.Send(encodePresence(presenceOpSet, p.session, fields, requestAll))
	})
}

// Update patches a subset of this replica's fields without touching the
// rest.
func (p *PresenceMap) Update(patch map[string][]byte) error {
	p.mu.Lock()
	if p.self == nil {
		p.self = make(map[string][]byte)
	}
	for k, v := range patch {
		p.self[k] = v
	}
	p.mu.Unlock()
	return p.Runtime().WithAutoTransaction(func() error {
		return p.Send(encodePresence(presenceOpUpdate, p.session, patch, false))
	})
}

// Delete explicitly withdraws this replica's presence (a leave).
func (p *PresenceMap) Delete() error {
	p.mu.Lock()
	p.self = nil
	p.mu.Unlock()
	return p.Runtime().WithAutoTransaction(func() error {
		return p.Send(encodePresence(presenceOpDelete, p.session, nil, false))
	})
}

// Get returns sender's current fields and whether sender is present.
func (p *PresenceMap) Get(sender string) (map[string][]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sender]
	if !ok {
		return nil, false
	}
	return cloneFields(e.fields), true
}

// Senders returns every currently present replica id, sorted.
func (p *PresenceMap) Senders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for s := range p.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

const (
	presenceOpSet    byte = 0
	presenceOpUpdate byte = 1
	presenceOpDelete byte = 2
)

func (p *PresenceMap) ReceiveLocal(payload []byte, meta wire.Meta) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty PresenceMap payload", collab.ErrMalformed)
	}
	op, session, fields, requestAll, err := decodePresence(payload)
	if err != nil {
		return err
	}
	switch op {
	case presenceOpSet:
		p.applySet(meta.Sender, session, fields)
		if requestAll {
			p.scheduleHeartbeat()
		}
	case presenceOpUpdate:
		p.applyUpdate(meta.Sender, session, fields)
	case presenceOpDelete:
		p.applyDelete(meta.Sender)
	default:
		return fmt.Errorf("%w: unknown PresenceMap op %d", collab.ErrMalformed, op)
	}
	return nil
}

func (p *PresenceMap) applySet(sender string, session uuid.UUID, fields map[string][]byte) {
	p.mu.Lock()
	e, ok := p.entries[sender]
	if !ok {
		e = &presenceEntry{}
		p.entries[sender] = e
	}
	e.fields = cloneFields(fields)
	e.session = session
	p.resetTimer(sender, e)
	p.mu.Unlock()
}

func (p *PresenceMap) applyUpdate(sender string, session uuid.UUID, patch map[string][]byte) {
	p.mu.Lock()
	e, ok := p.entries[sender]
	if !ok {
		e = &presenceEntry{fields: make(map[string][]byte)}
		p.entries[sender] = e
	}
	if e.fields == nil {
		e.fields = make(map[string][]byte)
	}
	for k, v := range patch {
		e.fields[k] = v
	}
	e.session = session
	p.resetTimer(sender, e)
	p.mu.Unlock()
}

func (p *PresenceMap) applyDelete(sender string) {
	p.mu.Lock()
	if e, ok := p.entries[sender]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(p.entries, sender)
	}
	p.mu.Unlock()
}

// resetTimer must be called with p.mu held.
func (p *PresenceMap) resetTimer(sender string, e *presenceEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(p.ttl, func() { p.expire(sender) })
}

func (p *PresenceMap) expire(sender string) {
	p.mu.Lock()
	_, ok := p.entries[sender]
	delete(p.entries, sender)
	p.mu.Unlock()
	if ok {
		p.Runtime().NotifyExpiry(p.Name() + "/" + sender)
	}
}

// scheduleHeartbeat re-announces this replica's own presence after a
// random jitter, refreshing its TTL on every other live replica.
func (p *PresenceMap) scheduleHeartbeat() {
	p.mu.Lock()
	fields := cloneFields(p.self)
	p.mu.Unlock()
	if fields == nil {
		return
	}
	delay := time.Duration(rand.Int64N(int64(presenceHeartbeatJitter)))
	time.AfterFunc(delay, func() {
		_ = p.Runtime().WithAutoTransaction(func() error {
			return p.Send(encodePresence(presenceOpSet, p.session, fields, false))
		})
	})
}

func cloneFields(fields map[string][]byte) map[string][]byte {
	if fields == nil {
		return nil
	}
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func encodePresence(op byte, session uuid.UUID, fields map[string][]byte, requestAll bool) []byte {
	buf := []byte{op}
	buf = append(buf, session[:]...)
	if requestAll {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(keys)))
	buf = append(buf, count...)
	for _, k := range keys {
		v := fields[k]
		klen := make([]byte, 2)
		binary.BigEndian.PutUint16(klen, uint16(len(k)))
		buf = append(buf, klen...)
		buf = append(buf, k...)
		vlen := make([]byte, 4)
		binary.BigEndian.PutUint32(vlen, uint32(len(v)))
		buf = append(buf, vlen...)
		buf = append(buf, v...)
	}
	return buf
}

func decodePresence(data []byte) (op byte, session uuid.UUID, fields map[string][]byte, requestAll bool, err error) {
	if len(data) < 1+16+1+4 {
		err = fmt.Errorf("%w: truncated presence payload", collab.ErrMalformed)
		return
	}
	op = data[0]
	data = data[1:]
	copy(session[:], data[:16])
	data = data[16:]
	requestAll = data[0] == 1
	data = data[1:]
	count := int(binary.BigEndian.Uint32(data))
	data = data[4:]

	fields = make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		if len(data) < 2 {
			err = fmt.Errorf("%w: truncated presence key header", collab.ErrMalformed)
			return
		}
		klen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < klen+4 {
			err = fmt.Errorf("%w: truncated presence key/value", collab.ErrMalformed)
			return
		}
		key := string(data[:klen])
		data = data[klen:]
		vlen := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < vlen {
			err = fmt.Errorf("%w: truncated presence value", collab.ErrMalformed)
			return
		}
		fields[key] = append([]byte(nil), data[:vlen]...)
		data = data[vlen:]
	}
	return
}

func (p *PresenceMap) SavePayload() ([]byte, error) { return nil, nil }
func (p *PresenceMap) LoadPayload(data []byte) error { return nil }

func (p *PresenceMap) CanGC() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) == 0 && p.self == nil
}
