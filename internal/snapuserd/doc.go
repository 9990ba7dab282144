// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package snapuserd owns one logical snapshot device: its exception table,
// dispatcher, merge reconciler, and the single-threaded, synchronous
// RequestLoop that serves the kernel's userspace block device control
// channel.
package snapuserd
