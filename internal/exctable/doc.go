// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package exctable builds and serves the synthesized kernel-facing
// disk-exception metadata: a positional sequence of fixed-size Areas, plus
// the ChunkMap from synthetic data ChunkId to the CowOp it represents.
package exctable
