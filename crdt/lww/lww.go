// Package lww is a last-writer-wins map CRDT. Each key holds the value of the
// write with the highest (clock, actor) pair; deletes are tombstones.
package lww

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zlnvch/docsync/crdt"
)

type Op struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Clock   uint64          `json:"clock"`
	Actor   string          `json:"actor"`
	Deleted bool            `json:"deleted,omitempty"`
}

type update struct {
	Ops []Op `json:"ops"`
}

func (o Op) wins(other Op) bool {
	if o.Clock != other.Clock {
		return o.Clock > other.Clock
	}
	return o.Actor > other.Actor
}

type Map struct {
	entries map[string]Op
	clock   uint64
}

func New() *Map {
	return &Map{entries: make(map[string]Op)}
}

// Factory adapts New to crdt.Factory.
func Factory() crdt.Doc {
	return New()
}

func (m *Map) Apply(data []byte) error {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("%w: %v", crdt.ErrInvalidUpdate, err)
	}
	for _, op := range u.Ops {
		if op.Key == "" || op.Actor == "" {
			return fmt.Errorf("%w: op without key or actor", crdt.ErrInvalidUpdate)
		}
	}
	for _, op := range u.Ops {
		if cur, ok := m.entries[op.Key]; !ok || op.wins(cur) {
			m.entries[op.Key] = op
		}
		if op.Clock > m.clock {
			m.clock = op.Clock
		}
	}
	return nil
}

func (m *Map) State() []byte {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	u := update{Ops: make([]Op, 0, len(keys))}
	for _, k := range keys {
		u.Ops = append(u.Ops, m.entries[k])
	}
	data, _ := json.Marshal(u)
	return data
}

// StateVector is the highest clock seen per actor.
func (m *Map) StateVector() []byte {
	vector := make(map[string]uint64)
	for _, op := range m.entries {
		if op.Clock > vector[op.Actor] {
			vector[op.Actor] = op.Clock
		}
	}
	data, _ := json.Marshal(vector)
	return data
}

func (m *Map) Clone() crdt.Doc {
	c := &Map{entries: make(map[string]Op, len(m.entries)), clock: m.clock}
	for k, v := range m.entries {
		c.entries[k] = v
	}
	return c
}

// Set records a local write and returns the update to replicate.
func (m *Map) Set(actor, key string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return m.local(Op{Key: key, Value: raw, Actor: actor})
}

// Delete records a local tombstone and returns the update to replicate.
func (m *Map) Delete(actor, key string) ([]byte, error) {
	return m.local(Op{Key: key, Actor: actor, Deleted: true})
}

func (m *Map) local(op Op) ([]byte, error) {
	op.Clock = m.clock + 1
	data, err := json.Marshal(update{Ops: []Op{op}})
	if err != nil {
		return nil, err
	}
	if err := m.Apply(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Map) Get(key string) (json.RawMessage, bool) {
	op, ok := m.entries[key]
	if !ok || op.Deleted {
		return nil, false
	}
	return op.Value, true
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, op := range m.entries {
		if !op.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// NewUpdate builds a standalone update without a backing map.
func NewUpdate(ops ...Op) []byte {
	data, _ := json.Marshal(update{Ops: ops})
	return data
}
