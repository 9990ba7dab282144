// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package chunkid provides the monotonic chunk-id allocator used while
// building the exception table.
package chunkid

import (
	"sync"

	"github.com/asch/snapuserd/internal/ubd"
)

// Allocator hands out ChunkIds in strictly increasing order, skipping
// metadata chunk ids. It is guarded by a mutex even though the exception
// table build is currently single-threaded, matching the teacher's key
// package style of a safe-by-default counter.
type Allocator struct {
	mu   sync.Mutex
	next ubd.ChunkId
}

// New returns an Allocator starting right after the reserved header chunk
// and the first metadata chunk, i.e. at the first assignable data chunk id.
func New() *Allocator {
	return &Allocator{
		next: ubd.NumSnapshotHdrChunks + 1,
	}
}

// Current returns the next chunk id that will be handed out.
func (a *Allocator) Current() ubd.ChunkId {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.next
}

// Advance moves the allocator forward by one chunk id and returns the
// result, skipping over it once more if it lands on a metadata chunk.
func (a *Allocator) Advance() ubd.ChunkId {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.next++
	if ubd.IsMetadata(a.next) {
		a.next++
	}

	return a.next
}
