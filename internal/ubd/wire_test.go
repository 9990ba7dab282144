// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ubd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Seq: 42, Type: MapRead, Flags: 7, Sector: 128, Len: BlockSize}

	buf := make([]byte, HeaderSize)
	h.MarshalTo(buf)

	got := UnmarshalHeader(buf)
	assert.Equal(t, h, got)
}

func TestDiskExceptionRoundTrip(t *testing.T) {
	e := DiskException{OldChunk: 5, NewChunk: 2}

	buf := make([]byte, ExceptionSize)
	e.MarshalTo(buf)

	got := UnmarshalDiskException(buf)
	assert.Equal(t, e, got)
	assert.False(t, got.IsZero())
}

func TestDiskExceptionIsZero(t *testing.T) {
	var e DiskException
	assert.True(t, e.IsZero())
}

func TestIsMetadata(t *testing.T) {
	cases := []struct {
		chunk    ChunkId
		metadata bool
	}{
		{0, false},
		{1, true},
		{2, false},
		{257, false},
		{258, true},
		{515, true},
		{516, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.metadata, IsMetadata(c.chunk), "chunk %d", c.chunk)
	}
}

func TestSectorChunkConversion(t *testing.T) {
	assert.Equal(t, ChunkId(2), SectorToChunk(16))
	assert.Equal(t, uint64(16), ChunkToSector(2))
}

func TestNewDiskHeader(t *testing.T) {
	buf := make([]byte, BlockSize)
	NewDiskHeader().MarshalTo(buf)

	assert.Equal(t, byte(0x53), buf[0])
	assert.Equal(t, byte(0x6e), buf[1])
	assert.Equal(t, byte(0x41), buf[2])
	assert.Equal(t, byte(0x70), buf[3])

	for _, b := range buf[16:] {
		assert.Equal(t, byte(0), b)
	}
}
