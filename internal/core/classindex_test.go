package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassIndexMap(t *testing.T) {
	classes := testClasses(t, "sahiwal", "gir", "murrah")

	assert.Equal(t, 3, classes.Len())
	assert.Equal(t, []string{"gir", "murrah", "sahiwal"}, classes.Names())

	name, ok := classes.Name(2)
	assert.True(t, ok)
	assert.Equal(t, "sahiwal", name)

	_, ok = classes.Name(3)
	assert.False(t, ok)
	_, ok = classes.Name(-1)
	assert.False(t, ok)

	idx, ok := classes.Index("murrah")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = classes.Index("ongole")
	assert.False(t, ok)
}

func TestClassIndexMapSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stage", ClassIndexFileName)

	classes, err := ClassIndexMapFromIndices(map[string]int{"non_cattle": 2, "cattle": 0, "buffalo": 1})
	require.NoError(t, err)
	require.NoError(t, classes.Save(path))

	loaded, err := LoadClassIndexMap(path)
	require.NoError(t, err)

	for i := 0; i < classes.Len(); i++ {
		want, _ := classes.Name(i)
		got, ok := loaded.Name(i)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, classes.Indices(), loaded.Indices())
}

func TestClassIndexMapInvalid(t *testing.T) {
	_, err := ClassIndexMapFromIndices(map[string]int{"gir": 0, "sahiwal": 0})
	assert.ErrorIs(t, err, ErrClassIndexCollision)

	_, err = ClassIndexMapFromIndices(map[string]int{"gir": 0, "sahiwal": 2})
	assert.ErrorIs(t, err, ErrClassIndexGap)

	_, err = ClassIndexMapFromIndices(map[string]int{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), ClassIndexFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"gir": 0, "sahiwal": 0, "murrah": 1}`), 0644))
	_, err = LoadClassIndexMap(path)
	assert.ErrorIs(t, err, ErrClassIndexCollision)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))
	_, err = LoadClassIndexMap(path)
	assert.Error(t, err)
}
