// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memlog is an in-memory reference implementation of cowlog.Log.
// It exists for tests and for the null benchmarking device; it does not
// attempt to reproduce the real on-disk COW binary format, which is
// explicitly out of scope for this module.
package memlog

import (
	"fmt"
	"sync"

	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/ubd"
)

// MemLog holds an ordered slice of operations plus, for Replace ops, their
// payload bytes.
type MemLog struct {
	mu          sync.Mutex
	ops         []cowlog.Op
	payloads    map[int][]byte // index into ops -> BlockSize payload
	numMergeOps uint64
}

// New returns an empty MemLog ready to be built with Append/AppendReplace.
func New() *MemLog {
	return &MemLog{
		payloads: make(map[int][]byte),
	}
}

// Append adds op (Copy, Zero, Label, or Footer) to the end of the log.
func (m *MemLog) Append(op cowlog.Op) {
	m.ops = append(m.ops, op)
}

// AppendReplace adds a Replace op carrying payload, which must be exactly
// ubd.BlockSize bytes.
func (m *MemLog) AppendReplace(newBlock uint64, payload []byte) {
	if len(payload) != ubd.BlockSize {
		panic(fmt.Sprintf("memlog: replace payload must be %d bytes, got %d", ubd.BlockSize, len(payload)))
	}

	idx := len(m.ops)
	m.ops = append(m.ops, cowlog.Op{Type: cowlog.OpReplace, NewBlock: newBlock})

	buf := make([]byte, ubd.BlockSize)
	copy(buf, payload)
	m.payloads[idx] = buf
}

func (m *MemLog) Header() cowlog.Header {
	m.mu.Lock()
	defer m.mu.Unlock()

	return cowlog.Header{
		BlockSize:   ubd.BlockSize,
		NumMergeOps: m.numMergeOps,
	}
}

func (m *MemLog) ForwardIter() (cowlog.Iterator, error) {
	return &iterator{log: m, idx: 0, forward: true}, nil
}

func (m *MemLog) ReverseIter() (cowlog.Iterator, error) {
	return &iterator{log: m, idx: len(m.ops) - 1, forward: false}, nil
}

func (m *MemLog) ReadData(op cowlog.Op, dst []byte) error {
	if op.Type != cowlog.OpReplace {
		return fmt.Errorf("memlog: ReadData called on non-replace op %s", op.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, o := range m.ops {
		if o == op {
			copy(dst[:ubd.BlockSize], m.payloads[idx])
			return nil
		}
	}

	return fmt.Errorf("memlog: payload not found for op %+v", op)
}

func (m *MemLog) CommitMerge(n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.numMergeOps += n

	return nil
}

type iterator struct {
	log     *MemLog
	idx     int
	forward bool
}

func (it *iterator) Done() bool {
	if it.forward {
		return it.idx >= len(it.log.ops)
	}

	return it.idx < 0
}

func (it *iterator) Get() cowlog.Op {
	return it.log.ops[it.idx]
}

func (it *iterator) Next() error {
	if it.forward {
		it.idx++
	} else {
		it.idx--
	}

	return nil
}
