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

// Package datasets implements train.Dataset sources: InMemory, and the Take wrapper.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/train"
)

// Take wraps ds so that it yields at most n batches between resets.
func Take(ds train.Dataset, n int) train.Dataset {
	return &limited{Dataset: ds, limit: n}
}

type limited struct {
	train.Dataset
	limit, yielded int
}

func (l *limited) Name() string { return fmt.Sprintf("%s [Take %d]", l.Dataset.Name(), l.limit) }

func (l *limited) Reset() {
	l.yielded = 0
	l.Dataset.Reset()
}

func (l *limited) Yield() (inputs, labels []*tensors.Tensor, err error) {
	if l.yielded >= l.limit {
		return nil, nil, io.EOF
	}
	l.yielded++
	return l.Dataset.Yield()
}
