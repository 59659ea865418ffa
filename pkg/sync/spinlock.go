// Copyright 2019 The gVisor Authors.
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

package sync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a mutual exclusion lock that busy-waits.
//
// The zero value is an unlocked SpinLock. SpinLocks are never held across a
// halt, and the kernel acquires them in the order console, address space,
// paging, physical allocator.
type SpinLock struct {
	_     NoCopy
	state uint32
}

// TryLock attempts to acquire the lock without spinning.
//
//go:nosplit
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Lock acquires the lock, spinning until it is available.
//
//go:nosplit
func (l *SpinLock) Lock() {
	for !l.TryLock() {
		for atomic.LoadUint32(&l.state) != 0 {
			spin()
		}
	}
}

// Unlock releases the lock. It panics if the lock is not held.
//
//go:nosplit
func (l *SpinLock) Unlock() {
	if atomic.SwapUint32(&l.state, 0) != 1 {
		panic("unlock of unlocked SpinLock")
	}
}

// ForceUnlock releases the lock regardless of its holder.
//
// The holder may be another CPU that has since been frozen. Only the panic
// path may call this.
//
//go:nosplit
func (l *SpinLock) ForceUnlock() {
	atomic.StoreUint32(&l.state, 0)
}

// Locked returns true if the lock is currently held by anyone.
func (l *SpinLock) Locked() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// spin is called by waiters. On a hosted runtime this lets the holder run.
var spin = runtime.Gosched
