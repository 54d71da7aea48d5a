// Copyright 2024 Coral Authors.
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

package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForSlice(t *testing.T) {
	t.Parallel()

	iter := ForSlice([]int{1, 2, 3})

	for i := 0; i < 3; i++ {
		n, v, err := iter.Next()
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, i+1, v)
	}

	_, _, err := iter.Next()
	assert.ErrorIs(t, err, ErrIteratorDone)

	// repeated calls should keep returning the same result
	_, _, err = iter.Next()
	assert.ErrorIs(t, err, ErrIteratorDone)
}

func TestConsumeValues(t *testing.T) {
	t.Parallel()

	res, err := ConsumeValues(ForSlice([]int{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, res)

	res, err = ConsumeValues(ForSlice([]int{}))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestConsumeValuesN(t *testing.T) {
	t.Parallel()

	iter := ForSlice([]int{1, 2, 3})

	res, err := ConsumeValuesN(iter, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res)

	res, err = ConsumeValuesN(iter, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, res)

	res, err = ConsumeValuesN(iter, 2)
	require.NoError(t, err)
	assert.Nil(t, res)
}
