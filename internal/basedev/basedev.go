// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package basedev provides the already-open, byte-addressable base-device
// handle that OpDispatcher reads from for Copy ops, backed by an NBD export
// over libguestfs.org/libnbd.
package basedev

import (
	"fmt"

	"libguestfs.org/libnbd"
)

// Device wraps a connected *libnbd.Libnbd as an io.ReaderAt.
type Device struct {
	handle *libnbd.Libnbd
}

// Connect opens a libnbd handle and connects it to the Unix socket at
// sockPath, which must already be exporting the read-only base device.
func Connect(sockPath string) (*Device, error) {
	handle, err := libnbd.Create()
	if err != nil {
		return nil, fmt.Errorf("basedev: creating libnbd handle: %w", err)
	}

	if err := handle.ConnectUnix(sockPath); err != nil {
		handle.Close()
		return nil, fmt.Errorf("basedev: connecting to %s: %w", sockPath, err)
	}

	return &Device{handle: handle}, nil
}

// ReadAt implements io.ReaderAt against the NBD export.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.handle.Pread(p, uint64(off), nil); err != nil {
		return 0, fmt.Errorf("basedev: read at offset %d: %w", off, err)
	}

	return len(p), nil
}

// Close disconnects the NBD handle.
func (d *Device) Close() error {
	return d.handle.Close()
}
