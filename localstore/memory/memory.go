package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/zlnvch/docsync/localstore"
)

type Store struct {
	mu   sync.Mutex
	data map[string][]byte
	// FailWrites makes every write return the error, for exercising
	// persistence failures.
	FailWrites error
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, localstore.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.Batch(ctx, []localstore.Op{{Key: key, Value: value}})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Batch(ctx, []localstore.Op{{Key: key, Delete: true}})
}

func (s *Store) List(ctx context.Context, prefix string) ([]localstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]localstore.Entry, 0)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, localstore.Entry{Key: k, Value: bytes.Clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Batch(ctx context.Context, ops []localstore.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	for _, op := range ops {
		if op.Delete {
			delete(s.data, op.Key)
		} else {
			s.data[op.Key] = bytes.Clone(op.Value)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}
