// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package ubd defines the wire protocol of the userspace block device
// control channel together with the geometry constants shared by every
// package that builds or serves disk-exception metadata.
package ubd
