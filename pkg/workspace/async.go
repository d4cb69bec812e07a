// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package workspace

import (
	"sync"

	"github.com/quadracode/quadracode/pkg/state"
)

// Dispatcher runs filesystem-heavy snapshot work off the cooperative loop.
// Wait drains in-flight work during shutdown.
type Dispatcher struct {
	mgr *Manager
	wg  sync.WaitGroup
}

// NewDispatcher wraps a manager.
func NewDispatcher(mgr *Manager) *Dispatcher {
	return &Dispatcher{mgr: mgr}
}

// Snapshot archives the workspace on a background goroutine and invokes
// done with the result.
func (d *Dispatcher) Snapshot(root, reason string, done func(state.SnapshotRecord, error)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		rec, err := d.mgr.Snapshot(root, reason)
		if done != nil {
			done(rec, err)
		}
	}()
}

// Validate checks the workspace against a reference snapshot on a
// background goroutine.
func (d *Dispatcher) Validate(root string, ref state.SnapshotRecord, done func(ok bool, drift []string, err error)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ok, drift, err := d.mgr.Validate(root, ref)
		if done != nil {
			done(ok, drift, err)
		}
	}()
}

// Wait blocks until all dispatched work completes.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
