// logic_test.go - Logic runtime tests.
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

package logic

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogicSerializesJobs(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l := NewLogic()
	defer l.Halt()

	const n = 100
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		require.True(l.Queue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}))
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(order, n)
	for i, got := range order {
		require.Equal(i, got)
	}
}

func TestLogicQueueAfterHalt(t *testing.T) {
	t.Parallel()
	l := NewLogic()
	l.Halt()
	require.False(t, l.Queue(func() {}))
}

func TestPoolRunsJobs(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p := NewPool(4)
	defer p.Halt()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.True(p.Queue(func() {
			wg.Done()
		}))
	}
	wg.Wait()
}
