// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package exctable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/cowlog/memlog"
	"github.com/asch/snapuserd/internal/ubd"
)

// TestBuildZeroOnlyLog covers spec scenario E1: a single Zero op lands at
// chunk 2 with old_chunk equal to the zeroed block.
func TestBuildZeroOnlyLog(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 5})

	table, err := Build(m)
	require.NoError(t, err)

	require.Len(t, table.Areas, 1)
	got := table.Areas[0].Exception(0)
	assert.Equal(t, ubd.DiskException{OldChunk: 5, NewChunk: 2}, got)

	op, ok := table.ChunkMap[2]
	require.True(t, ok)
	assert.Equal(t, cowlog.OpZero, op.Type)
}

// TestBuildReplaceThenCopy covers spec scenario E2: in forward order a
// Replace precedes a Copy; the reverse pass assigns the Copy chunk 3 and the
// Replace chunk 5: chunk 2 is skipped because the op is a Copy, and chunk 4
// because the op before the Replace was a Copy.
func TestBuildReplaceThenCopy(t *testing.T) {
	m := memlog.New()
	m.AppendReplace(10, bytes.Repeat([]byte{0xCC}, ubd.BlockSize))
	m.Append(cowlog.Op{Type: cowlog.OpCopy, NewBlock: 20, Source: 30})

	table, err := Build(m)
	require.NoError(t, err)

	require.Len(t, table.Areas, 1)

	exceptions := []ubd.DiskException{
		table.Areas[0].Exception(0),
		table.Areas[0].Exception(1),
	}

	assert.Equal(t, ubd.DiskException{OldChunk: 20, NewChunk: 3}, exceptions[0])
	assert.Equal(t, ubd.DiskException{OldChunk: 10, NewChunk: 5}, exceptions[1])

	copyOp, ok := table.ChunkMap[3]
	require.True(t, ok)
	assert.Equal(t, cowlog.OpCopy, copyOp.Type)

	replaceOp, ok := table.ChunkMap[5]
	require.True(t, ok)
	assert.Equal(t, cowlog.OpReplace, replaceOp.Type)
}

// TestBuildAreaRollover covers spec scenario E3: 257 Zero ops overflow one
// area; the 257th exception lands at chunk 259 because chunk 258 is
// metadata and is skipped.
func TestBuildAreaRollover(t *testing.T) {
	m := memlog.New()
	for i := 0; i < 257; i++ {
		m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: uint64(i)})
	}

	table, err := Build(m)
	require.NoError(t, err)

	require.Len(t, table.Areas, 2)
	assert.Equal(t, ubd.ExceptionsPerArea, countNonZero(table.Areas[0]))
	assert.Equal(t, 1, countNonZero(table.Areas[1]))

	last := table.Areas[1].Exception(0)
	assert.Equal(t, ubd.ChunkId(259), last.NewChunk)
}

func countNonZero(a *Area) int {
	n := 0
	for i := 0; i < ubd.ExceptionsPerArea; i++ {
		if !a.Exception(i).IsZero() {
			n++
		}
	}
	return n
}

func TestBuildEmptyLogPushesOneZeroArea(t *testing.T) {
	m := memlog.New()

	table, err := Build(m)
	require.NoError(t, err)

	require.Len(t, table.Areas, 1)
	assert.Equal(t, 0, countNonZero(table.Areas[0]))
	assert.Empty(t, table.ChunkMap)
}

func TestBuildSkipsLabelAndFooter(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpLabel})
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 1})
	m.Append(cowlog.Op{Type: cowlog.OpFooter})

	table, err := Build(m)
	require.NoError(t, err)

	assert.Len(t, table.ChunkMap, 1)
}

// TestNoContiguousCopies checks the no-contiguous-copies property on a log of
// 20 adjacent Copy ops: no two ChunkMap keys a<b mapping to Copy ops satisfy
// b == a+1.
func TestNoContiguousCopies(t *testing.T) {
	m := memlog.New()
	for i := 0; i < 20; i++ {
		m.Append(cowlog.Op{Type: cowlog.OpCopy, NewBlock: uint64(i), Source: uint64(i) + 100})
	}

	table, err := Build(m)
	require.NoError(t, err)

	var copyChunks []ubd.ChunkId
	for c, op := range table.ChunkMap {
		if op.Type == cowlog.OpCopy {
			copyChunks = append(copyChunks, c)
		}
	}

	for i := range copyChunks {
		for j := range copyChunks {
			if i == j {
				continue
			}

			diff := int64(copyChunks[i]) - int64(copyChunks[j])
			assert.False(t, diff == 1 || diff == -1, "copy chunks %d and %d are contiguous", copyChunks[i], copyChunks[j])
		}
	}
}

func TestReverseAssignmentOrder(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 1})
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 2})
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 3})

	table, err := Build(m)
	require.NoError(t, err)

	var keys []ubd.ChunkId
	for c := range table.ChunkMap {
		keys = append(keys, c)
	}

	// Three independent Zero ops never trigger the copy-adjacency skip, so
	// ascending ChunkId order is exactly reverse log order.
	assert.Len(t, keys, 3)

	var byBlock []uint64
	for _, c := range []ubd.ChunkId{2, 3, 4} {
		op, ok := table.ChunkMap[c]
		require.True(t, ok)
		byBlock = append(byBlock, op.NewBlock)
	}
	assert.Equal(t, []uint64{3, 2, 1}, byBlock)
}

func TestServeMetadataReadPastEndZeroFills(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 1})

	table, err := Build(m)
	require.NoError(t, err)

	dst := make([]byte, ubd.BlockSize)
	for i := range dst {
		dst[i] = 0xff
	}

	require.NoError(t, table.ServeMetadataRead(ubd.Stride+1, dst, ubd.BlockSize))

	for _, b := range dst {
		assert.Equal(t, byte(0), b)
	}
}

func TestServeMetadataReadIdempotent(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 7})

	table, err := Build(m)
	require.NoError(t, err)

	first := make([]byte, ubd.BlockSize)
	second := make([]byte, ubd.BlockSize)

	require.NoError(t, table.ServeMetadataRead(1, first, ubd.BlockSize))
	require.NoError(t, table.ServeMetadataRead(1, second, ubd.BlockSize))

	assert.Equal(t, first, second)
}

func TestServeMetadataReadRejectsOversizedRequest(t *testing.T) {
	m := memlog.New()
	table, err := Build(m)
	require.NoError(t, err)

	dst := make([]byte, ubd.BlockSize+1)
	err = table.ServeMetadataRead(1, dst, ubd.BlockSize+1)
	assert.Error(t, err)
}
