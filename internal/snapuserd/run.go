// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package snapuserd

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/asch/snapuserd/internal/ubd"
)

// Run drives the single-threaded, synchronous request loop: read a header,
// classify it, dispatch, write the framed response, repeat. Per-request
// data-path errors are answered with RespError and never terminate the loop.
// Control-device I/O failures and malformed requests (an unknown request
// type, a metadata read larger than one area) end the loop, and Run returns
// that error (io.EOF is treated as a graceful shutdown and returns nil).
func (d *Device) Run() error {
	for {
		header, err := d.readHeader()
		if err != nil {
			if err == io.EOF {
				log.Info().Str("device", d.name).Msg("control device closed, request loop exiting")
				return nil
			}

			return fmt.Errorf("snapuserd: reading header: %w", err)
		}

		switch header.Type {
		case ubd.MapRead:
			err = d.handleRead(header)
		case ubd.MapWrite:
			err = d.handleWrite(header)
		default:
			err = fmt.Errorf("snapuserd: unknown request type %d", header.Type)
		}

		if err != nil {
			return err
		}
	}
}

func (d *Device) readHeader() (ubd.Header, error) {
	if _, err := io.ReadFull(d.control, d.sink.HeaderBytes()); err != nil {
		return ubd.Header{}, err
	}

	return ubd.UnmarshalHeader(d.sink.HeaderBytes()), nil
}

// handleRead serves a MAP_READ request, splitting header.Len across
// successive PayloadSize frames.
func (d *Device) handleRead(header ubd.Header) error {
	var (
		remaining = header.Len
		offset    uint64
	)

	var startChunk ubd.ChunkId
	var isDataReq bool

	if header.Sector != 0 {
		startChunk = ubd.SectorToChunk(header.Sector)
		_, isDataReq = d.table.ChunkMap[startChunk]
	}

	for remaining > 0 {
		readSize := remaining
		if readSize > ubd.PayloadSize {
			readSize = ubd.PayloadSize
		}

		respType := ubd.RespSuccess

		var opErr error

		switch {
		case header.Sector == 0:
			ubd.Assert(readSize == ubd.BlockSize, "snapuserd: header read size must be %d, got %d", ubd.BlockSize, readSize)
			ubd.Assert(d.metadataReady, "snapuserd: metadata not ready")

			dst := d.sink.Payload(int(readSize))
			ubd.Assert(dst != nil, "snapuserd: buffer sink exhausted serving header read")
			ubd.NewDiskHeader().MarshalTo(dst)
			d.sink.Advance(int(readSize))
			d.sink.Reset()

		case isDataReq:
			chunk := startChunk + ubd.ChunkId(offset/ubd.BlockSize)
			opErr = d.dispatcher.ServeDataRead(d.sink, chunk, int(readSize))

		default:
			if readSize > ubd.BlockSize {
				return fmt.Errorf("snapuserd: metadata read of %d bytes exceeds one area", readSize)
			}

			chunk := startChunk + ubd.ChunkId(offset/ubd.BlockSize)
			dst := d.sink.Payload(int(readSize))
			ubd.Assert(dst != nil, "snapuserd: buffer sink exhausted serving metadata read")
			opErr = d.table.ServeMetadataRead(chunk, dst, int(readSize))
			d.sink.Advance(int(readSize))
			d.sink.Reset()
		}

		if opErr != nil {
			log.Error().Err(opErr).Str("device", d.name).Uint64("sector", header.Sector).Msg("read request failed")
			respType = ubd.RespError
		}

		if err := d.writeResponse(header, respType, int(readSize)); err != nil {
			return fmt.Errorf("snapuserd: writing read response: %w", err)
		}

		remaining -= readSize
		offset += readSize
	}

	return nil
}

// handleWrite serves a MAP_WRITE request: either a sector-0 flush with no
// payload, or a merge-completion write carrying one metadata-chunk page.
func (d *Device) handleWrite(header ubd.Header) error {
	if header.Sector == 0 {
		ubd.Assert(header.Len == 0, "snapuserd: flush write must carry no payload, got %d bytes", header.Len)

		if err := d.writeResponse(header, ubd.RespSuccess, 0); err != nil {
			return fmt.Errorf("snapuserd: writing flush response: %w", err)
		}

		return nil
	}

	ubd.Assert(header.Len == ubd.BlockSize, "snapuserd: merge-complete write must be %d bytes, got %d", ubd.BlockSize, header.Len)

	chunk := ubd.SectorToChunk(header.Sector)
	_, isDataChunk := d.table.ChunkMap[chunk]
	ubd.Assert(!isDataChunk, "snapuserd: write chunk %d must address metadata, not data", chunk)

	payload := make([]byte, ubd.BlockSize)
	if _, err := io.ReadFull(d.control, payload); err != nil {
		return fmt.Errorf("snapuserd: reading merge-complete payload: %w", err)
	}

	respType := ubd.RespSuccess

	if err := d.reconciler.ProcessMergeComplete(chunk, payload); err != nil {
		log.Error().Err(err).Str("device", d.name).Uint64("chunk", chunk).Msg("merge reconciliation failed")
		respType = ubd.RespError
	}

	if err := d.writeResponse(header, respType, 0); err != nil {
		return fmt.Errorf("snapuserd: writing merge response: %w", err)
	}

	return nil
}

func (d *Device) writeResponse(req ubd.Header, respType uint32, payloadLen int) error {
	resp := ubd.Header{
		Seq:    req.Seq,
		Type:   respType,
		Flags:  req.Flags,
		Sector: req.Sector,
		Len:    uint64(payloadLen),
	}

	resp.MarshalTo(d.sink.HeaderBytes())

	frame := d.sink.Bytes()[:ubd.HeaderSize+payloadLen]

	n, err := d.control.Write(frame)
	if err != nil {
		return err
	}

	if n != len(frame) {
		return fmt.Errorf("snapuserd: short write to control device: wrote %d of %d bytes", n, len(frame))
	}

	return nil
}
