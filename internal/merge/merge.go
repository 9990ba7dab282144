// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package merge implements MergeReconciler: on each merge-completion
// write, it diffs the kernel's returned metadata against the stored area,
// counts newly merged exceptions, advances the log's forward iterator, and
// commits progress.
package merge

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/exctable"
	"github.com/asch/snapuserd/internal/ubd"
)

// Reconciler drives merge-completion notifications against a built
// exception Table and the CowLog's forward iterator.
type Reconciler struct {
	table   *exctable.Table
	log     cowlog.Log
	fwdIter cowlog.Iterator
}

// New returns a Reconciler. fwdIter must have been created after the
// exception table's reverse-pass build, per the CowLog contract.
func New(table *exctable.Table, log cowlog.Log, fwdIter cowlog.Iterator) *Reconciler {
	return &Reconciler{
		table:   table,
		log:     log,
		fwdIter: fwdIter,
	}
}

// ProcessMergeComplete handles one merge-completion write. chunk addresses
// the metadata area; merged is the BlockSize page the kernel wrote back.
func (r *Reconciler) ProcessMergeComplete(chunk ubd.ChunkId, merged []byte) error {
	idx := chunk / ubd.Stride
	ubd.Assert(int(idx) < len(r.table.Areas), "merge: area index %d out of range", idx)

	area := r.table.Areas[idx]

	unmerged, offset, err := locateMergeFrontier(area, merged)
	if err != nil {
		return err
	}

	mergedNow, err := countNewlyMerged(area, offset)
	if err != nil {
		return err
	}

	if mergedNow < 1 {
		return fmt.Errorf("merge: merge-complete write produced no newly merged exceptions")
	}

	count := mergedNow

	if err := r.advanceForward(mergedNow); err != nil {
		return err
	}

	if err := r.log.CommitMerge(uint64(count)); err != nil {
		return fmt.Errorf("merge: commit: %w", err)
	}

	log.Debug().Uint64("chunk", chunk).Int("unmerged", unmerged).
		Int("merged_now", count).Msg("merge reconciled")

	return nil
}

// locateMergeFrontier walks the incoming merged buffer and the stored area
// in parallel, one exception at a time, counting the entries the kernel
// still reports unmerged until it finds the first all-zero entry, i.e. the
// first one the kernel reports merged (Phase A).
func locateMergeFrontier(area *exctable.Area, merged []byte) (unmerged, offset int, err error) {
	for i := 0; i < ubd.ExceptionsPerArea; i++ {
		m := ubd.UnmarshalDiskException(merged[i*ubd.ExceptionSize:])

		if m.OldChunk != 0 {
			ubd.Assert(m.NewChunk != 0, "merge: kernel entry %d has old_chunk set but new_chunk zero", i)

			a := area.Exception(i)
			ubd.Assert(m == a, "merge: kernel entry %d diverges from stored area", i)

			unmerged++
			continue
		}

		offset = unmerged * ubd.ExceptionSize

		return unmerged, offset, nil
	}

	return 0, 0, fmt.Errorf("merge: no zero terminator found in incoming area, violates unmerged < %d invariant", ubd.ExceptionsPerArea)
}

// countNewlyMerged continues from the frontier, zeroing each stored
// exception the kernel has just merged, and counts how many (Phase B).
func countNewlyMerged(area *exctable.Area, offset int) (int, error) {
	mergedNow := 0
	start := offset / ubd.ExceptionSize

	for i := start; i < ubd.ExceptionsPerArea; i++ {
		e := area.Exception(i)

		switch {
		case e.NewChunk != 0:
			area.ZeroException(i)
			mergedNow++

		case e.IsZero():
			return mergedNow, nil

		default:
			return 0, fmt.Errorf("merge: inconsistent exception at index %d: old_chunk set, new_chunk zero", i)
		}

		if start+mergedNow == ubd.ExceptionsPerArea {
			break
		}
	}

	return mergedNow, nil
}

// advanceForward consumes mergedNow merge credits from the forward
// iterator, skipping Label/Footer ops without consuming a credit (Phase C).
func (r *Reconciler) advanceForward(mergedNow int) error {
	for mergedNow > 0 && !r.fwdIter.Done() {
		op := r.fwdIter.Get()

		switch op.Type {
		case cowlog.OpLabel, cowlog.OpFooter:
			if err := r.fwdIter.Next(); err != nil {
				return fmt.Errorf("merge: advancing forward iterator: %w", err)
			}

			continue

		case cowlog.OpReplace, cowlog.OpZero, cowlog.OpCopy:
			mergedNow--

			if err := r.fwdIter.Next(); err != nil {
				return fmt.Errorf("merge: advancing forward iterator: %w", err)
			}

		default:
			return fmt.Errorf("merge: unknown op type %s in forward pass", op.Type)
		}
	}

	ubd.Assert(mergedNow == 0, "merge: forward iterator exhausted with %d merge credits outstanding", mergedNow)

	return nil
}
