/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package datasets

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/pkg/errors"
)

// InMemoryDataset yields batches of examples held in memory: one tensor per input and per label, all
// with the examples along the leading axis.
//
// It is not batched, shuffled or looped by default: see BatchSize, Shuffle and Infinite.
type InMemoryDataset struct {
	name        string
	numInputs   int
	data        []*tensors.Tensor
	numExamples int

	mu          sync.Mutex
	batchSize   int
	dropPartial bool
	shuffle     bool
	infinite    bool
	rng         *rand.Rand
	order       []int // Examples order for the current epoch.
	pos         int   // Position in order.
}

// InMemory creates a dataset from inputs and labels with the same number of examples (leading dimension).
func InMemory(name string, inputs, labels []*tensors.Tensor) (*InMemoryDataset, error) {
	all := append(append([]*tensors.Tensor{}, inputs...), labels...)
	if len(all) == 0 {
		return nil, errors.Errorf("datasets.InMemory(%q): no inputs or labels given", name)
	}
	mds := &InMemoryDataset{
		name:      name,
		numInputs: len(inputs),
		data:      all,
		batchSize: 1,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for ii, t := range all {
		if t == nil || t.IsScalar() {
			return nil, errors.Errorf("datasets.InMemory(%q): tensor #%d must have a leading examples axis", name, ii)
		}
		if n := t.Shape().Dimensions[0]; ii == 0 {
			mds.numExamples = n
		} else if n != mds.numExamples {
			return nil, errors.Errorf("datasets.InMemory(%q): tensor #%d has %d examples, tensor #0 has %d",
				name, ii, n, mds.numExamples)
		}
	}
	mds.resetLocked()
	return mds, nil
}

// Name implements train.Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// NumExamples in the dataset.
func (mds *InMemoryDataset) NumExamples() int { return mds.numExamples }

// BatchSize sets the number of examples per batch. The last batch of an epoch may have fewer examples,
// unless dropPartial is set, in which case they are skipped.
func (mds *InMemoryDataset) BatchSize(n int, dropPartial bool) *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.batchSize, mds.dropPartial = max(n, 1), dropPartial
	return mds
}

// Shuffle the examples at every epoch.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.shuffle = true
	mds.resetLocked()
	return mds
}

// WithSeed makes the shuffling deterministic. It restarts the current epoch.
func (mds *InMemoryDataset) WithSeed(seed uint64) *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	mds.resetLocked()
	return mds
}

// Infinite makes the dataset start a new epoch when the current one ends, instead of returning io.EOF.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.infinite = infinite
	return mds
}

// Reset implements train.Dataset: it starts a new epoch, reshuffling if configured.
func (mds *InMemoryDataset) Reset() {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.resetLocked()
}

func (mds *InMemoryDataset) resetLocked() {
	mds.pos = 0
	if mds.order == nil {
		mds.order = make([]int, mds.numExamples)
	}
	for ii := range mds.order {
		mds.order[ii] = ii
	}
	if mds.shuffle {
		mds.rng.Shuffle(len(mds.order), func(i, j int) { mds.order[i], mds.order[j] = mds.order[j], mds.order[i] })
	}
}

// nextBatchLocked returns the indices of the next batch, or nil at the end of the epoch.
func (mds *InMemoryDataset) nextBatchLocked() []int {
	remaining := mds.numExamples - mds.pos
	if remaining <= 0 || (mds.dropPartial && remaining < mds.batchSize) {
		return nil
	}
	n := min(remaining, mds.batchSize)
	indices := mds.order[mds.pos : mds.pos+n]
	mds.pos += n
	return indices
}

// Yield implements train.Dataset. The returned tensors are copies owned by the caller.
func (mds *InMemoryDataset) Yield() (inputs, labels []*tensors.Tensor, err error) {
	mds.mu.Lock()
	indices := mds.nextBatchLocked()
	if indices == nil && mds.infinite {
		mds.resetLocked()
		indices = mds.nextBatchLocked()
	}
	if indices == nil {
		mds.mu.Unlock()
		return nil, nil, io.EOF
	}
	batch := make([]*tensors.Tensor, len(mds.data))
	for ii, t := range mds.data {
		batch[ii] = gatherRows(t, indices)
	}
	mds.mu.Unlock()
	return batch[:mds.numInputs], batch[mds.numInputs:], nil
}

func gatherRows(t *tensors.Tensor, rows []int) *tensors.Tensor {
	dims := t.Shape().Clone().Dimensions
	rowSize := t.Size() / dims[0]
	dims[0] = len(rows)
	src := t.Data()
	flat := make([]float64, 0, rowSize*len(rows))
	for _, row := range rows {
		flat = append(flat, src[row*rowSize:(row+1)*rowSize]...)
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}
