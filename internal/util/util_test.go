package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{5, 4}, r.Last(2))
	assert.Equal(t, []int{5, 4, 3}, r.Last(10))
	assert.Equal(t, 3, r.Len())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Snapshot())
}

func TestValidateDisplayName(t *testing.T) {
	name, err := ValidateDisplayName("  ada  ")
	require.NoError(t, err)
	assert.Equal(t, "ada", name)

	for _, bad := range []string{"", "   ", strings.Repeat("x", MaxDisplayNameLen+1), "a\tb"} {
		_, err := ValidateDisplayName(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "rel"), ResolvePath("base", "rel"))
	abs := filepath.Join(string(filepath.Separator), "abs")
	assert.Equal(t, abs, ResolvePath("base", abs))
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "x.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"n": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"n": 1`)
}
