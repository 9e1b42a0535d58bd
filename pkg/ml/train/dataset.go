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

package train

import "github.com/gomlx/pruning/pkg/core/tensors"

// Dataset feeds the training loop one batch at a time.
type Dataset interface {
	// Name of the dataset, used in logs and error messages.
	Name() string

	// Reset starts a new pass over the data, typically after Yield returned io.EOF.
	Reset()

	// Yield the inputs and labels of the next batch.
	//
	// io.EOF marks the end of an epoch and is expected by Loop.RunEpochs. Loop.RunSteps requires
	// a dataset that doesn't end, see datasets.InMemoryDataset.Infinite.
	Yield() (inputs, labels []*tensors.Tensor, err error)
}
