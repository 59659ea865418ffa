// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package console multiplexes kernel output onto the boot output devices.
//
// The console lock is the first lock in the kernel lock order. A panicking
// CPU takes the console over with ForceUnlock.
package console

import (
	"io"

	"vkernel.dev/vkernel/pkg/sync"
)

// Console writes to a set of devices under a spinlock.
//
// The zero value is a console with no devices.
type Console struct {
	mu      sync.SpinLock
	devices []io.Writer
}

// Attach adds a device.
func (c *Console) Attach(d io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, d)
}

// Write implements io.Writer.Write. Device errors are ignored: there is
// nowhere left to report them.
func (c *Console) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		d.Write(b)
	}
	return len(b), nil
}

// ForceUnlock releases the console lock whoever holds it. Only the panicking
// CPU, with every other CPU frozen, may call it.
func (c *Console) ForceUnlock() {
	c.mu.ForceUnlock()
}

// DeviceFunc adapts a raw output routine to a console device.
type DeviceFunc func(b []byte)

// Write implements io.Writer.Write.
func (f DeviceFunc) Write(b []byte) (int, error) {
	f(b)
	return len(b), nil
}
