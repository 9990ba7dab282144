// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memlog

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io/ioutil"

	"github.com/asch/snapuserd/internal/cowlog"
)

// persisted is the gob-serializable shape of a MemLog. It is a deliberately
// simple self-describing format for tests and the file-backed harness in
// main.go; it does not attempt to reproduce the real kernel on-disk
// COW binary format, which package cowlog leaves external by design.
type persisted struct {
	Ops         []cowlog.Op
	Payloads    map[int][]byte
	NumMergeOps uint64
}

// Save serializes m with gob, mirroring the sector map's own
// gob-based checkpoint format.
func (m *MemLog) Save(path string) error {
	m.mu.Lock()
	p := persisted{Ops: m.ops, Payloads: m.payloads, NumMergeOps: m.numMergeOps}
	m.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("memlog: encoding: %w", err)
	}

	return ioutil.WriteFile(path, buf.Bytes(), 0o644)
}

// Load deserializes a MemLog previously written by Save.
func Load(path string) (*MemLog, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memlog: reading %s: %w", path, err)
	}

	var p persisted
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, fmt.Errorf("memlog: decoding %s: %w", path, err)
	}

	if p.Payloads == nil {
		p.Payloads = make(map[int][]byte)
	}

	return &MemLog{
		ops:         p.Ops,
		payloads:    p.Payloads,
		numMergeOps: p.NumMergeOps,
	}, nil
}
