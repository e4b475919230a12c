package notice

import (
	"log/slog"
	"sync"
)

// Mailbox stores at most one pending value per (recipient, key). A later
// Set with the same key overwrites the earlier value, so keys behave as
// coalescing signals rather than a queue.
type Mailbox[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[int64]map[K]V
	logger  *slog.Logger
}

func NewMailbox[K comparable, V any](logger *slog.Logger) *Mailbox[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox[K, V]{
		entries: make(map[int64]map[K]V),
		logger:  logger,
	}
}

// Set stores value under key for recipient, replacing any previous value.
func (m *Mailbox[K, V]) Set(recipient int64, key K, value V) {
	m.mu.Lock()
	m.set(recipient, key, value)
	m.mu.Unlock()

	m.logger.Debug("notice set", "recipient", recipient, "key", key)
}

// SetAll stores the same key and value for every recipient in one
// critical section, so readers see either none or all of the writes.
func (m *Mailbox[K, V]) SetAll(recipients []int64, key K, value V) {
	m.mu.Lock()
	for _, r := range recipients {
		m.set(r, key, value)
	}
	m.mu.Unlock()

	m.logger.Debug("notice set", "recipients", recipients, "key", key)
}

func (m *Mailbox[K, V]) set(recipient int64, key K, value V) {
	box, ok := m.entries[recipient]
	if !ok {
		box = make(map[K]V)
		m.entries[recipient] = box
	}
	box[key] = value
}

// Get returns a copy of every pending value for recipient without
// consuming them. ok is false when nothing is pending.
func (m *Mailbox[K, V]) Get(recipient int64) (map[K]V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.entries[recipient]
	if !ok || len(box) == 0 {
		return nil, false
	}
	out := make(map[K]V, len(box))
	for k, v := range box {
		out[k] = v
	}
	return out, true
}

// Clear removes one key for recipient. No-op if either is absent.
func (m *Mailbox[K, V]) Clear(recipient int64, key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.entries[recipient]
	if !ok {
		return
	}
	delete(box, key)
	if len(box) == 0 {
		delete(m.entries, recipient)
	}
}

// Recipients returns how many recipients currently have pending values.
func (m *Mailbox[K, V]) Recipients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
