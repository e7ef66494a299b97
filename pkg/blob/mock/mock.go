// Package mock provides an in-memory, call-recording [blob.Store] for tests.
package mock

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/MrWong99/callscribe/pkg/blob"
)

var _ blob.Store = (*Store)(nil)

// Call records the name and key of a single method invocation.
type Call struct {
	Method string
	Key    string
}

// Store keeps objects in a map. The zero value is ready to use. Setting an
// *Err field makes the corresponding method fail.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   []Call

	ExistsErr error
	OpenErr   error
	PutErr    error
	RemoveErr error
}

func (m *Store) record(method, key string) {
	m.calls = append(m.calls, Call{Method: method, Key: key})
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
}

// Seed stores b under key without recording a call.
func (m *Store) Seed(key string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = bytes.Clone(b)
}

// Object returns the stored bytes for key.
func (m *Store) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return bytes.Clone(b), ok
}

// Keys returns every stored key in sorted order.
func (m *Store) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Exists implements [blob.Store].
func (m *Store) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Exists", key)
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	_, ok := m.objects[key]
	return ok, nil
}

// Open implements [blob.Store].
func (m *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Open", key)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(b))), nil
}

// Put implements [blob.Store].
func (m *Store) Put(_ context.Context, key string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Put", key)
	if m.PutErr != nil {
		return m.PutErr
	}
	m.objects[key] = b
	return nil
}

// Remove implements [blob.Store].
func (m *Store) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Remove", key)
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	delete(m.objects, key)
	return nil
}
