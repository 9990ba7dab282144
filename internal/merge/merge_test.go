// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package merge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/cowlog/memlog"
	"github.com/asch/snapuserd/internal/exctable"
	"github.com/asch/snapuserd/internal/ubd"
)

// TestMergeCycleFullyMerged covers spec scenario E4: starting from the E2
// steady state, the kernel reports both exceptions of area 0 merged in one
// write; the reconciler must advance the forward iterator past both ops and
// commit 2 merge credits.
func TestMergeCycleFullyMerged(t *testing.T) {
	m := memlog.New()
	m.AppendReplace(10, bytes.Repeat([]byte{0xAA}, ubd.BlockSize))
	m.Append(cowlog.Op{Type: cowlog.OpCopy, NewBlock: 20, Source: 30})

	table, err := exctable.Build(m)
	require.NoError(t, err)
	require.Len(t, table.Areas, 1)

	fwdIter, err := m.ForwardIter()
	require.NoError(t, err)

	r := New(table, m, fwdIter)

	merged := make([]byte, ubd.BlockSize) // all zero: both entries reported merged

	require.NoError(t, r.ProcessMergeComplete(1, merged))

	assert.Equal(t, uint64(2), m.Header().NumMergeOps)
	assert.True(t, table.Areas[0].Exception(0).IsZero())
	assert.True(t, table.Areas[0].Exception(1).IsZero())
}

// TestMergePartialArea covers spec scenario E5: a partially-merged area
// where a prefix of exceptions is still unmerged (matches the stored area
// exactly) and a suffix has just been merged.
func TestMergePartialArea(t *testing.T) {
	m := memlog.New()
	for i := 0; i < 257; i++ {
		m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: uint64(i)})
	}

	table, err := exctable.Build(m)
	require.NoError(t, err)
	require.Len(t, table.Areas, 2)

	fwdIter, err := m.ForwardIter()
	require.NoError(t, err)

	r := New(table, m, fwdIter)

	// Build a kernel buffer: the first 156 entries equal the stored area
	// (still unmerged), the rest are zero (100 newly merged + 0 padding).
	merged := make([]byte, ubd.BlockSize)
	for i := 0; i < 156; i++ {
		e := table.Areas[0].Exception(i)
		e.MarshalTo(merged[i*ubd.ExceptionSize:])
	}

	require.NoError(t, r.ProcessMergeComplete(1, merged))

	assert.Equal(t, uint64(100), m.Header().NumMergeOps)

	for i := 0; i < 156; i++ {
		assert.False(t, table.Areas[0].Exception(i).IsZero(), "entry %d should remain unmerged", i)
	}
	for i := 156; i < ubd.ExceptionsPerArea; i++ {
		assert.True(t, table.Areas[0].Exception(i).IsZero(), "entry %d should now be merged", i)
	}
}

func TestMergeNoNewlyMergedErrors(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 1})

	table, err := exctable.Build(m)
	require.NoError(t, err)

	fwdIter, err := m.ForwardIter()
	require.NoError(t, err)

	r := New(table, m, fwdIter)

	// Kernel buffer identical to stored area: nothing has been merged yet.
	merged := make([]byte, ubd.BlockSize)
	e := table.Areas[0].Exception(0)
	e.MarshalTo(merged)

	err = r.ProcessMergeComplete(1, merged)
	assert.Error(t, err)
}

func TestMergeSkipsLabelAndFooterWithoutConsumingCredit(t *testing.T) {
	m := memlog.New()
	m.Append(cowlog.Op{Type: cowlog.OpLabel})
	m.Append(cowlog.Op{Type: cowlog.OpFooter})
	m.Append(cowlog.Op{Type: cowlog.OpZero, NewBlock: 1})

	table, err := exctable.Build(m)
	require.NoError(t, err)

	fwdIter, err := m.ForwardIter()
	require.NoError(t, err)

	r := New(table, m, fwdIter)

	merged := make([]byte, ubd.BlockSize)

	require.NoError(t, r.ProcessMergeComplete(1, merged))
	assert.Equal(t, uint64(1), m.Header().NumMergeOps)
}
