// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ubd

import "encoding/binary"

const (
	// BlockSize is the fixed unit in which the kernel exposes and merges
	// exceptions.
	BlockSize = 4096

	// SectorSize is the kernel's sector unit. It never changes regardless
	// of block size.
	SectorSize = 512

	// ChunkSize is the number of sectors in one chunk.
	ChunkSize = BlockSize / SectorSize

	// ExceptionSize is the size in bytes of one on-disk exception record.
	ExceptionSize = 16

	// ExceptionsPerArea is the number of exceptions a single metadata
	// block can hold.
	ExceptionsPerArea = BlockSize / ExceptionSize

	// NumSnapshotHdrChunks is the number of chunks reserved for the
	// synthesized snapshot header at the front of the device.
	NumSnapshotHdrChunks = 1

	// Stride is one metadata chunk followed by a full area of data
	// chunks.
	Stride = ExceptionsPerArea + 1

	// PayloadSize is the largest payload carried in a single response
	// frame. Larger reads are split by the request loop.
	PayloadSize = 65536
)

// Request/response type codes on the control device. Values mirror the
// kernel's dm-user header layout; RespSuccess/RespError overwrite Type in
// the response frame.
const (
	MapRead  uint32 = 0
	MapWrite uint32 = 1

	RespSuccess uint32 = 0
	RespError   uint32 = 1
)

// Kernel snapshot disk-header constants. These must match dm-snapshot's
// persistent on-disk format bit for bit.
const (
	SnapMagic           uint32 = 0x70416e53
	SnapshotValid       uint32 = 1
	SnapshotDiskVersion uint32 = 1
)

// HeaderSize is the wire size of Header.
const HeaderSize = 8 + 4 + 4 + 8 + 8

// Header is the fixed framing that precedes every request and response on
// the control device.
type Header struct {
	Seq    uint64
	Type   uint32
	Flags  uint32
	Sector uint64
	Len    uint64
}

// MarshalTo serializes h little-endian into buf, which must be at least
// HeaderSize bytes long.
func (h Header) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], h.Type)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.Sector)
	binary.LittleEndian.PutUint64(buf[24:32], h.Len)
}

// UnmarshalHeader parses a wire Header out of buf, which must be at least
// HeaderSize bytes long.
func UnmarshalHeader(buf []byte) Header {
	return Header{
		Seq:    binary.LittleEndian.Uint64(buf[0:8]),
		Type:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint32(buf[12:16]),
		Sector: binary.LittleEndian.Uint64(buf[16:24]),
		Len:    binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// DiskHeader is the synthesized snapshot header served at sector 0.
type DiskHeader struct {
	Magic     uint32
	Valid     uint32
	Version   uint32
	ChunkSize uint32
}

// MarshalTo writes h zero-padded to BlockSize bytes into buf.
func (h DiskHeader) MarshalTo(buf []byte) {
	for i := range buf[:BlockSize] {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Valid)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.ChunkSize)
}

// NewDiskHeader returns the fixed synthesized snapshot header.
func NewDiskHeader() DiskHeader {
	return DiskHeader{
		Magic:     SnapMagic,
		Valid:     SnapshotValid,
		Version:   SnapshotDiskVersion,
		ChunkSize: ChunkSize,
	}
}

// DiskException is a single 16-byte on-disk exception record.
type DiskException struct {
	OldChunk uint64
	NewChunk uint64
}

// IsZero reports whether e is the all-zero terminator record.
func (e DiskException) IsZero() bool {
	return e.OldChunk == 0 && e.NewChunk == 0
}

// MarshalTo writes e little-endian into buf, which must be at least
// ExceptionSize bytes long.
func (e DiskException) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], e.OldChunk)
	binary.LittleEndian.PutUint64(buf[8:16], e.NewChunk)
}

// UnmarshalDiskException parses a DiskException out of buf, which must be
// at least ExceptionSize bytes long.
func UnmarshalDiskException(buf []byte) DiskException {
	return DiskException{
		OldChunk: binary.LittleEndian.Uint64(buf[0:8]),
		NewChunk: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// ChunkId is a synthesized chunk address. Chunk 0 is reserved for the
// snapshot header.
type ChunkId = uint64

// IsMetadata reports whether c addresses a metadata chunk, i.e. an area of
// disk exceptions rather than a data chunk.
func IsMetadata(c ChunkId) bool {
	return c%Stride == NumSnapshotHdrChunks
}

// SectorToChunk converts a sector offset to its containing chunk id.
func SectorToChunk(sector uint64) ChunkId {
	return sector / ChunkSize
}

// ChunkToSector converts a chunk id to its first sector.
func ChunkToSector(c ChunkId) uint64 {
	return c * ChunkSize
}
