// Package memory keeps snapshots and session history in-memory for
// development, demos and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrExists is returned when an object is already stored at the path.
var ErrExists = errors.New("object already exists")

// Object is one stored document.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore keeps documents in a map and hands out memory:// URIs. Like the
// durable stores it is create-only.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of data at path.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; ok {
		return "", fmt.Errorf("%s: %w", path, ErrExists)
	}
	s.objects[path] = Object{ContentType: contentType, Data: slices.Clone(data)}
	return "memory://" + path, nil
}

// Object returns a copy of the document stored at path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	obj, ok := s.Stat(path)
	return obj.Data, ok
}

// Stat returns a copy of the stored document with its attributes.
func (s *BlobStore) Stat(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = slices.Clone(obj.Data)
	return obj, true
}

// Paths lists every stored path in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
