// Copyright 2022 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bitset_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/bitset"
)

func TestSetClearTest(t *testing.T) {
	b := bitset.New(8)
	require.False(t, b.Test(3))
	b.Set(3)
	require.True(t, b.Test(3))
	b.Clear(3)
	require.False(t, b.Test(3))
}

func TestSetGrows(t *testing.T) {
	var b bitset.Bits
	b.Set(200)
	require.True(t, b.Test(200))
	require.False(t, b.Test(199))
	require.False(t, b.Test(201))
}

func TestClearBeyondEndIsNoop(t *testing.T) {
	b := bitset.New(1)
	b.Clear(500)
	require.False(t, b.Test(500))
}

func TestCount(t *testing.T) {
	var b bitset.Bits
	require.Equal(t, 0, b.Count())
	for _, i := range []int{0, 1, 63, 64, 65, 300} {
		b.Set(i)
	}
	require.Equal(t, 6, b.Count())
	b.Clear(64)
	require.Equal(t, 5, b.Count())
}

func TestNext(t *testing.T) {
	var b bitset.Bits
	require.Equal(t, -1, b.Next(0))
	for _, i := range []int{2, 63, 64, 130} {
		b.Set(i)
	}
	var got []int
	for i := b.Next(0); i >= 0; i = b.Next(i + 1) {
		got = append(got, i)
	}
	require.Equal(t, []int{2, 63, 64, 130}, got)
	require.Equal(t, 64, b.Next(64))
	require.Equal(t, 130, b.Next(65))
	require.Equal(t, -1, b.Next(131))
}
