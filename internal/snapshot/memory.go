package snapshot

import (
	"context"
	"sync"
)

// Memory keeps archived payloads in process memory. It exists for
// tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory constructs an empty in-memory archiver.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Archive stores a copy of the payload and returns a mem:// URI.
func (m *Memory) Archive(_ context.Context, objectName string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectName] = append([]byte(nil), payload...)
	return "mem://" + objectName, nil
}

// Get returns the stored payload for an object name.
func (m *Memory) Get(objectName string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[objectName]
	return payload, ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
