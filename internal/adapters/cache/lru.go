package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jobrunner/geoingest/internal/ports/output"
)

// DefaultMemoryEntries is the LRU size used when none is configured.
const DefaultMemoryEntries = 256

// Memory is an in-process LRU chunk cache.
type Memory struct {
	lru *lru.Cache[output.ChunkKey, []byte]
}

var _ output.ChunkCache = (*Memory)(nil)

// NewMemory creates an LRU cache holding at most size chunks.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New[output.ChunkKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: c}, nil
}

// Get implements ChunkCache.
func (m *Memory) Get(_ context.Context, key output.ChunkKey) ([]byte, bool) {
	return m.lru.Get(key)
}

// Set implements ChunkCache.
func (m *Memory) Set(_ context.Context, key output.ChunkKey, body []byte) {
	m.lru.Add(key, body)
}

// Len returns the number of cached chunks.
func (m *Memory) Len() int {
	return m.lru.Len()
}
