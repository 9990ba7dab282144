// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatch implements OpDispatcher: given a starting chunk and a
// size, it emits per-block payloads by applying Replace/Copy/Zero
// operations into a BufferSink.
package dispatch

import (
	"fmt"
	"io"

	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/ubd"
)

// Dispatcher serves data reads against a built ChunkMap, a CowLog for
// Replace payloads, and the already-open base device for Copy ops.
type Dispatcher struct {
	chunkMap map[ubd.ChunkId]cowlog.Op
	log      cowlog.Log
	baseDev  io.ReaderAt
}

// New returns a Dispatcher. chunkMap is the exception table's ChunkMap.
func New(chunkMap map[ubd.ChunkId]cowlog.Op, log cowlog.Log, baseDev io.ReaderAt) *Dispatcher {
	return &Dispatcher{
		chunkMap: chunkMap,
		log:      log,
		baseDev:  baseDev,
	}
}

// ServeDataRead writes size bytes, starting at chunk, into sink at its
// current offset. size must be BlockSize-aligned. A Copy op must be the
// sole op in the request, and a request must end at or before the next area
// boundary; either rule being violated is an assertion failure.
func (d *Dispatcher) ServeDataRead(sink *ubd.BufferSink, chunk ubd.ChunkId, size int) error {
	if size%ubd.BlockSize != 0 {
		ubd.Assert(false, "dispatch: read size %d is not block-aligned", size)
	}

	for size > 0 {
		op, ok := d.chunkMap[chunk]
		if !ok {
			return fmt.Errorf("dispatch: no op mapped for chunk %d", chunk)
		}

		dst := sink.Payload(ubd.BlockSize)
		ubd.Assert(dst != nil, "dispatch: buffer sink exhausted at chunk %d", chunk)

		if err := d.dispatchOne(op, dst); err != nil {
			return fmt.Errorf("dispatch: chunk %d: %w", chunk, err)
		}

		sink.Advance(ubd.BlockSize)
		size -= ubd.BlockSize
		chunk++

		if op.Type == cowlog.OpCopy {
			ubd.Assert(size == 0, "dispatch: copy op not sole op in request")
			break
		}

		if ubd.IsMetadata(chunk) {
			ubd.Assert(size == 0, "dispatch: request spans into metadata chunk")
			break
		}
	}

	sink.Reset()

	return nil
}

func (d *Dispatcher) dispatchOne(op cowlog.Op, dst []byte) error {
	switch op.Type {
	case cowlog.OpReplace:
		return d.log.ReadData(op, dst)

	case cowlog.OpZero:
		for i := range dst[:ubd.BlockSize] {
			dst[i] = 0
		}

		return nil

	case cowlog.OpCopy:
		_, err := d.baseDev.ReadAt(dst[:ubd.BlockSize], int64(op.Source)*ubd.BlockSize)
		return err

	default:
		return fmt.Errorf("dispatch: unsupported op type %s", op.Type)
	}
}
