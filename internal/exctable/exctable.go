// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package exctable

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/snapuserd/internal/chunkid"
	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/ubd"
)

// Area is one BLOCK_SIZE page of disk exceptions, stored as a raw buffer so
// that serving a metadata read and patching merged entries in place are
// both plain byte-slice operations.
type Area struct {
	buf []byte
}

func newArea() *Area {
	return &Area{buf: make([]byte, ubd.BlockSize)}
}

// Exception returns the i-th exception record in the area.
func (a *Area) Exception(i int) ubd.DiskException {
	return ubd.UnmarshalDiskException(a.buf[i*ubd.ExceptionSize:])
}

// SetException writes the i-th exception record in the area.
func (a *Area) SetException(i int, e ubd.DiskException) {
	e.MarshalTo(a.buf[i*ubd.ExceptionSize:])
}

// ZeroException clears the i-th exception record, marking it merged.
func (a *Area) ZeroException(i int) {
	buf := a.buf[i*ubd.ExceptionSize : i*ubd.ExceptionSize+ubd.ExceptionSize]
	for i := range buf {
		buf[i] = 0
	}
}

// Bytes returns the raw BLOCK_SIZE page.
func (a *Area) Bytes() []byte {
	return a.buf
}

// Table is the built exception table: the ordered Area sequence and the
// ChunkMap from synthetic data ChunkId to its CowOp.
type Table struct {
	Areas    []*Area
	ChunkMap map[ubd.ChunkId]cowlog.Op

	// NextFree is the allocator cursor after the build completed; the
	// device's sector count equals NextFree * ChunkSize.
	NextFree ubd.ChunkId
}

// Build performs the single reverse pass over log's operations required to
// construct the exception table, per the skip-metadata/no-contiguous-copy
// allocation rule.
func Build(cl cowlog.Log) (*Table, error) {
	it, err := cl.ReverseIter()
	if err != nil {
		return nil, fmt.Errorf("exctable: reverse iterator: %w", err)
	}

	alloc := chunkid.New()
	chunkMap := make(map[ubd.ChunkId]cowlog.Op)
	areas := make([]*Area, 0, 1)

	area := newArea()
	inArea := 0
	prevWasCopy := false
	sawOp := false

	for !it.Done() {
		op := it.Get()

		switch op.Type {
		case cowlog.OpLabel, cowlog.OpFooter:
			if err := it.Next(); err != nil {
				return nil, fmt.Errorf("exctable: advancing iterator: %w", err)
			}

			continue

		case cowlog.OpReplace, cowlog.OpCopy, cowlog.OpZero:
			// handled below

		default:
			return nil, fmt.Errorf("exctable: unknown op type %s in reverse pass", op.Type)
		}

		sawOp = true

		if op.Type == cowlog.OpCopy || prevWasCopy {
			alloc.Advance()
		}

		prevWasCopy = op.Type == cowlog.OpCopy

		newChunk := alloc.Current()

		area.SetException(inArea, ubd.DiskException{
			OldChunk: op.NewBlock,
			NewChunk: newChunk,
		})

		chunkMap[newChunk] = op
		inArea++

		if inArea == ubd.ExceptionsPerArea {
			areas = append(areas, area)
			area = newArea()
			inArea = 0
		}

		alloc.Advance()

		if err := it.Next(); err != nil {
			return nil, fmt.Errorf("exctable: advancing iterator: %w", err)
		}
	}

	if inArea > 0 || !sawOp {
		areas = append(areas, area)
	}

	log.Debug().Int("areas", len(areas)).Int("chunks", len(chunkMap)).
		Uint64("next_free", alloc.Current()).Msg("exception table built")

	return &Table{
		Areas:    areas,
		ChunkMap: chunkMap,
		NextFree: alloc.Current(),
	}, nil
}

// SectorCount returns the device sector count implied by the built table.
func (t *Table) SectorCount() uint64 {
	return t.NextFree * ubd.ChunkSize
}

// ServeMetadataRead fills dst (up to readSize bytes) with the contents of
// the metadata area addressed by chunk c. A request past the end of the
// built areas is answered with zero bytes, signalling the kernel to stop
// prefetching.
func (t *Table) ServeMetadataRead(c ubd.ChunkId, dst []byte, readSize int) error {
	if readSize > ubd.BlockSize {
		return fmt.Errorf("exctable: metadata read size %d exceeds block size", readSize)
	}

	idx := c / ubd.Stride

	if int(idx) < len(t.Areas) {
		copy(dst[:readSize], t.Areas[idx].Bytes()[:readSize])
		return nil
	}

	for i := 0; i < readSize; i++ {
		dst[i] = 0
	}

	return nil
}
