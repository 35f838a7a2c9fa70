package fifo

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cacheaccel/streamengine/stream"
)

func newTestDyn(id stream.ID, maxSize int) *DynStream {
	return &DynStream{
		StaticID: id,
		Static:   &stream.Static{ID: id, Kind: stream.Load, MaxRunAhead: maxSize},
		MaxSize:  maxSize,
	}
}

func TestPoolConservation(t *testing.T) {
	pool := NewPool(4)
	assert.True(t, pool.Conserved())

	d := newTestDyn(1, 4)
	var allocated []*Element
	for i := 0; i < 4; i++ {
		e, ok := d.Allocate(pool, 0)
		assert.True(t, ok)
		allocated = append(allocated, e)
	}
	assert.True(t, pool.Conserved())
	assert.Equal(t, 0, pool.FreeCount())

	_, ok := d.Allocate(pool, 0)
	assert.False(t, ok, "allocation beyond maxSize must fail, never block")

	d.Step()
	d.Step()
	_, ok = d.ReleaseSuperseded(pool)
	assert.True(t, ok)
	assert.True(t, pool.Conserved())
	assert.Equal(t, 1, pool.FreeCount())
}

func TestStepOnceRetention(t *testing.T) {
	pool := NewPool(8)
	d := newTestDyn(1, 8)
	for i := 0; i < 4; i++ {
		_, ok := d.Allocate(pool, 0)
		assert.True(t, ok)
	}

	d.Step()
	assert.Equal(t, 1, d.StepSize())
	_, ok := d.ReleaseSuperseded(pool)
	assert.False(t, ok, "a single stepped element must be retained, not released")

	d.Step()
	assert.Equal(t, 2, d.StepSize())
	released, ok := d.ReleaseSuperseded(pool)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), released.Idx)
	assert.Equal(t, 1, d.StepSize())
	assert.Equal(t, 3, d.AllocSize())
}

func TestDispatchEndReleasesEverythingButRetained(t *testing.T) {
	pool := NewPool(8)
	d := newTestDyn(1, 8)
	for i := 0; i < 5; i++ {
		_, ok := d.Allocate(pool, 0)
		assert.True(t, ok)
	}
	d.Step()
	d.Step()

	d.End(pool)
	assert.False(t, d.Configured)
	assert.Equal(t, 1, d.AllocSize())
	assert.True(t, pool.Conserved())
}

func TestStepGraphCycleRejected(t *testing.T) {
	g := NewGraph()
	a := &stream.Static{ID: 1, Kind: stream.IV, StepRoot: 1}
	assert.Nil(t, g.Register(a))

	b := &stream.Static{ID: 2, Kind: stream.Load, BaseStreams: []stream.ID{3}, StepRoot: 1}
	c := &stream.Static{ID: 3, Kind: stream.Load, BaseStreams: []stream.ID{2}, StepRoot: 1}

	assert.Nil(t, g.Register(b))
	err := g.Register(c)
	assert.Equal(t, stream.ErrCycleInGraph, err)
}

func TestStepDependentsTopologicalOrder(t *testing.T) {
	g := NewGraph()
	iv := &stream.Static{ID: 1, Kind: stream.IV, StepRoot: 1}
	assert.Nil(t, g.Register(iv))

	a := &stream.Static{ID: 2, Kind: stream.Load, StepRoot: 1}
	assert.Nil(t, g.Register(a))

	b := &stream.Static{ID: 3, Kind: stream.LoadCompute, BaseStreams: []stream.ID{2}, StepRoot: 1}
	assert.Nil(t, g.Register(b))

	order := g.StepDependents(1)
	pos := make(map[stream.ID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.True(t, pos[stream.ID(2)] < pos[stream.ID(3)], "base stream must precede its dependent")
}
