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
	"testing"
)

func TestSpinLockMutualExclusion(t *testing.T) {
	const (
		workers = 8
		rounds  = 1000
	)
	var (
		l       SpinLock
		counter int
		wg      WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != workers*rounds {
		t.Errorf("counter = %d, want %d", counter, workers*rounds)
	}
}

func TestForceUnlock(t *testing.T) {
	var l SpinLock
	l.Lock()
	if l.TryLock() {
		t.Fatalf("TryLock succeeded on a held lock")
	}
	l.ForceUnlock()
	if !l.TryLock() {
		t.Fatalf("TryLock failed after ForceUnlock")
	}
	l.Unlock()
	if l.Locked() {
		t.Errorf("Locked() = true after Unlock")
	}
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of unlocked SpinLock did not panic")
		}
	}()
	var l SpinLock
	l.Unlock()
}
