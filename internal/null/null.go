// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package null provides a do-nothing-but-correctly CowLog and base device,
// useful for measuring RequestLoop/UBD overhead in isolation from real COW
// parsing and base-device I/O. Kept in this module to share configuration
// and avoid code duplication with the real snapuserd device, mirroring the
// teacher's null package.
package null

import (
	"github.com/asch/snapuserd/internal/cowlog"
)

// Log is a cowlog.Log whose iterators are always empty, so exctable.Build
// produces a single zero-filled area and snapuserd.New otherwise proceeds
// normally.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Header() cowlog.Header {
	return cowlog.Header{BlockSize: 4096}
}

func (l *Log) ForwardIter() (cowlog.Iterator, error) {
	return emptyIterator{}, nil
}

func (l *Log) ReverseIter() (cowlog.Iterator, error) {
	return emptyIterator{}, nil
}

func (l *Log) ReadData(op cowlog.Op, dst []byte) error {
	for i := range dst {
		dst[i] = 0
	}

	return nil
}

func (l *Log) CommitMerge(n uint64) error {
	return nil
}

type emptyIterator struct{}

func (emptyIterator) Done() bool     { return true }
func (emptyIterator) Get() cowlog.Op { return cowlog.Op{} }
func (emptyIterator) Next() error    { return nil }

// BaseDevice is an io.ReaderAt that always zero-fills, standing in for a
// real base device during benchmarking.
type BaseDevice struct{}

func NewBaseDevice() *BaseDevice {
	return &BaseDevice{}
}

func (b *BaseDevice) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}
