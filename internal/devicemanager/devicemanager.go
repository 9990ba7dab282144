// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package devicemanager supervises the set of logical snapshot devices this
// daemon serves. Administrative Register/Remove requests are serialized
// through a single worker goroutine, mirroring mapproxy's
// serialize-for-cache-locality idiom, so that building one device's
// exception table never races with tearing down another's. Each
// registered device still runs its own single-threaded RequestLoop
// goroutine; the manager never touches a device's internal state once it
// has handed the device off.
package devicemanager

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/snapuserd/internal/snapuserd"
)

type registerRequest struct {
	device *snapuserd.Device
	done   chan error
}

type removeRequest struct {
	name string
	done chan error
}

type countRequest struct {
	reply chan int
}

// Manager holds the running devices and serializes administrative
// requests against the map.
type Manager struct {
	devices map[string]*snapuserd.Device

	register chan registerRequest
	remove   chan removeRequest
	count_   chan countRequest
}

// New returns a Manager with its worker goroutine running.
func New() *Manager {
	m := &Manager{
		devices:  make(map[string]*snapuserd.Device),
		register: make(chan registerRequest),
		remove:   make(chan removeRequest),
		count_:   make(chan countRequest),
	}

	go m.worker()

	return m
}

// Register adds device to the managed set and starts its RequestLoop in a
// new goroutine. It fails if a device with the same name is already
// registered.
func (m *Manager) Register(device *snapuserd.Device) error {
	done := make(chan error, 1)
	m.register <- registerRequest{device, done}
	return <-done
}

// Remove drops name from the managed set. It does not stop the device's
// RequestLoop; that happens when the enclosing daemon closes the device's
// control channel.
func (m *Manager) Remove(name string) error {
	done := make(chan error, 1)
	m.remove <- removeRequest{name, done}
	return <-done
}

// Count returns the number of currently registered devices.
func (m *Manager) Count() int {
	reply := make(chan int, 1)
	m.count_ <- countRequest{reply}
	return <-reply
}

func (m *Manager) worker() {
	for {
		select {
		case r := <-m.register:
			r.done <- m.doRegister(r.device)

		case r := <-m.remove:
			r.done <- m.doRemove(r.name)

		case r := <-m.count_:
			r.reply <- len(m.devices)
		}
	}
}

func (m *Manager) doRegister(device *snapuserd.Device) error {
	name := device.Name()

	if _, exists := m.devices[name]; exists {
		return fmt.Errorf("devicemanager: device %q already registered", name)
	}

	m.devices[name] = device

	go func() {
		if err := device.Run(); err != nil {
			log.Error().Err(err).Str("device", name).Msg("request loop exited with error")
		}
	}()

	return nil
}

func (m *Manager) doRemove(name string) error {
	if _, exists := m.devices[name]; !exists {
		return fmt.Errorf("devicemanager: device %q not registered", name)
	}

	delete(m.devices, name)

	return nil
}
