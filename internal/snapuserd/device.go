// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package snapuserd

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/asch/snapuserd/internal/cowlog"
	"github.com/asch/snapuserd/internal/dispatch"
	"github.com/asch/snapuserd/internal/exctable"
	"github.com/asch/snapuserd/internal/merge"
	"github.com/asch/snapuserd/internal/metrics"
	"github.com/asch/snapuserd/internal/ubd"
)

// ControlDevice is the kernel-facing control channel: a character device
// the daemon reads requests from and writes framed responses to.
type ControlDevice interface {
	io.Reader
	io.Writer
}

// Device owns one logical snapshot device's exception table, dispatcher,
// and merge reconciler, and runs its RequestLoop. It holds no state shared
// with any other Device.
type Device struct {
	name    string
	control ControlDevice
	baseDev io.ReaderAt
	log     cowlog.Log

	table      *exctable.Table
	dispatcher *dispatch.Dispatcher
	reconciler *merge.Reconciler

	sink          *ubd.BufferSink
	metadataReady bool

	metrics metrics.Publisher
}

// New builds the exception table from cl's reverse iterator, wires up the
// dispatcher and reconciler, and returns a Device ready to Run. pub may be
// nil, in which case stats are only logged.
func New(name string, control ControlDevice, baseDev io.ReaderAt, cl cowlog.Log, pub metrics.Publisher) (*Device, error) {
	table, err := exctable.Build(cl)
	if err != nil {
		return nil, fmt.Errorf("snapuserd: building exception table: %w", err)
	}

	fwdIter, err := cl.ForwardIter()
	if err != nil {
		return nil, fmt.Errorf("snapuserd: forward iterator: %w", err)
	}

	d := &Device{
		name:          name,
		control:       control,
		baseDev:       baseDev,
		log:           cl,
		table:         table,
		dispatcher:    dispatch.New(table.ChunkMap, cl, baseDev),
		reconciler:    merge.New(table, cl, fwdIter),
		sink:          ubd.NewBufferSink(),
		metadataReady: true,
		metrics:       pub,
	}

	log.Info().Str("device", name).Int("areas", len(table.Areas)).
		Uint64("sectors", table.SectorCount()).Msg("snapshot device initialized")

	return d, nil
}

// Name returns the device's misc name.
func (d *Device) Name() string {
	return d.name
}

// ReportStats logs and, if configured, publishes area/chunk-map counts and
// the current merge progress.
func (d *Device) ReportStats() {
	hdr := d.log.Header()

	log.Info().Str("device", d.name).Int("areas", len(d.table.Areas)).
		Int("chunk_map", len(d.table.ChunkMap)).Uint64("num_merge_ops", hdr.NumMergeOps).
		Msg("snapshot device status")

	if d.metrics != nil {
		d.metrics.PutGauge(d.name+".num_merge_ops", float64(hdr.NumMergeOps))
		d.metrics.PutGauge(d.name+".areas", float64(len(d.table.Areas)))
		d.metrics.PutGauge(d.name+".chunk_map", float64(len(d.table.ChunkMap)))
	}
}
