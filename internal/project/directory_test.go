// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package project

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSlug(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"demo", "demo", false},
		{"  my-project_2.v1 ", "my-project_2.v1", false},
		{"", "", true},
		{"   ", "", true},
		{"..", "", true},
		{"a/b", "", true},
		{"with space", "", true},
		{"naïve", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeSlug(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidSlug, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSelectAdvancesGeneration(t *testing.T) {
	d := NewDirectory()
	d.Replace([]string{"alpha", "beta"})

	first, err := d.Select("alpha")
	require.NoError(t, err)
	assert.True(t, d.IsCurrent(first))

	second, err := d.Select("beta")
	require.NoError(t, err)
	assert.Greater(t, second.Generation, first.Generation)
	assert.False(t, d.IsCurrent(first))
	assert.True(t, d.IsCurrent(second))

	// Re-selecting invalidates in-flight work for the old generation too.
	third, err := d.Select("beta")
	require.NoError(t, err)
	assert.False(t, d.IsCurrent(second))
	assert.True(t, d.IsCurrent(third))
}

func TestSelectUnknown(t *testing.T) {
	d := NewDirectory()
	_, err := d.Select("ghost")
	assert.ErrorIs(t, err, ErrUnknown)
	assert.False(t, d.Active().Valid())
}

func TestReplaceKeepsActive(t *testing.T) {
	d := NewDirectory()
	_, err := d.Add("fresh")
	require.NoError(t, err)
	_, err = d.Select("fresh")
	require.NoError(t, err)

	d.Replace([]string{"older", "bad/slug"})
	assert.Equal(t, []string{"fresh", "older"}, d.List())
	assert.Equal(t, "fresh", d.Active().Slug)
}

func TestClear(t *testing.T) {
	d := NewDirectory()
	d.Replace([]string{"alpha"})
	sel, err := d.Select("alpha")
	require.NoError(t, err)

	d.Clear()
	assert.False(t, d.IsCurrent(sel))
	assert.False(t, d.IsCurrent(d.Active()))
}

func TestConcurrentSelect(t *testing.T) {
	d := NewDirectory()
	d.Replace([]string{"a", "b", "c"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = d.Select([]string{"a", "b", "c"}[i%3])
			_ = d.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(50), d.Active().Generation)
}
