// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package chunkid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asch/snapuserd/internal/ubd"
)

func TestNewStartsAfterHeaderAndFirstMetadataChunk(t *testing.T) {
	a := New()
	assert.Equal(t, ubd.ChunkId(2), a.Current())
}

func TestAdvanceSkipsMetadataChunk(t *testing.T) {
	a := &Allocator{next: 257}

	got := a.Advance()
	assert.Equal(t, ubd.ChunkId(259), got)
	assert.False(t, ubd.IsMetadata(got))
}

func TestAdvanceSkipsLandingOnMetadata(t *testing.T) {
	a := &Allocator{}
	a.next = 0 // next Advance would land on 1, which is metadata

	got := a.Advance()
	assert.Equal(t, ubd.ChunkId(2), got)
	assert.False(t, ubd.IsMetadata(got))
}

func TestAdvancePlainCase(t *testing.T) {
	a := &Allocator{next: 2}

	got := a.Advance()
	assert.Equal(t, ubd.ChunkId(3), got)
}
