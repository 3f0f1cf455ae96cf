// logic.go - Single threaded logic runtimes and the CPU worker pool.
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

// Package logic provides the cooperative execution contexts of the router:
// single threaded logic loops that serialize all state mutation, and a
// parallel worker pool for CPU bound crypto jobs.  Workers read immutable
// inputs and post exactly one completion job back onto the originating
// logic loop.
package logic

import (
	"github.com/llarp/go-llarp/core/worker"
)

// Logic is a single threaded job loop.  All jobs queued on one Logic run
// sequentially on the same goroutine.
type Logic struct {
	worker.Worker

	jobs chan func()
}

// NewLogic creates and starts a logic loop.
func NewLogic() *Logic {
	l := &Logic{
		jobs: make(chan func(), 1024),
	}
	l.Go(l.run)
	return l
}

// Queue posts fn onto the loop.  It returns false if the loop has halted.
func (l *Logic) Queue(fn func()) bool {
	select {
	case <-l.HaltCh():
		return false
	default:
	}
	select {
	case l.jobs <- fn:
		return true
	case <-l.HaltCh():
		return false
	}
}

func (l *Logic) run() {
	for {
		select {
		case <-l.HaltCh():
			return
		case fn := <-l.jobs:
			fn()
		}
	}
}

// Pool is a fixed size pool of goroutines for CPU bound jobs.
type Pool struct {
	worker.Worker

	jobs chan func()
}

// NewPool creates and starts a worker pool of n goroutines.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		jobs: make(chan func(), 1024),
	}
	for i := 0; i < n; i++ {
		p.Go(p.run)
	}
	return p
}

// Queue posts fn onto the pool.  It returns false if the pool has halted.
func (p *Pool) Queue(fn func()) bool {
	select {
	case <-p.HaltCh():
		return false
	default:
	}
	select {
	case p.jobs <- fn:
		return true
	case <-p.HaltCh():
		return false
	}
}

func (p *Pool) run() {
	for {
		select {
		case <-p.HaltCh():
			return
		case fn := <-p.jobs:
			fn()
		}
	}
}
