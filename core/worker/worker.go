// worker.go - Goroutine groups with a shared stop signal.
// Copyright (C) 2018  LLARP developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package worker manages groups of background goroutines that start
// independently and stop together.
package worker

import "sync"

// Worker owns a group of goroutines sharing one stop signal.  The zero
// value is ready to use.  Goroutines started with Go must watch HaltCh
// and return once it is closed.
type Worker struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// stopChLocked returns the stop channel, allocating it on first use.
// Callers hold w.mu.
func (w *Worker) stopChLocked() chan struct{} {
	if w.stopCh == nil {
		w.stopCh = make(chan struct{})
	}
	return w.stopCh
}

// Go runs fn on a new goroutine in the group.  Calling Go after Halt is
// a no-op, the group does not restart.
func (w *Worker) Go(fn func()) {
	w.mu.Lock()
	w.stopChLocked()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes the stop channel and blocks until every goroutine in the
// group has returned.  Halt is idempotent.
func (w *Worker) Halt() {
	w.mu.Lock()
	ch := w.stopChLocked()
	if !w.stopped {
		w.stopped = true
		close(ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopChLocked()
}
