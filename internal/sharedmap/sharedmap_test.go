package sharedmap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessMapInsertAndGet(t *testing.T) {
	m, err := newInProcessMap(Options{Name: t.Name()})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Insert("k1", map[string]string{"a": "b"}))

	var out map[string]string
	found, err := m.Get("k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b", out["a"])

	found, err = m.Get("missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInProcessMapTryInsertIsOneShot(t *testing.T) {
	m, err := newInProcessMap(Options{Name: t.Name()})
	require.NoError(t, err)
	defer m.Close()

	ok, err := m.TryInsert("k", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryInsert("k", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	var out int
	_, _ = m.Get("k", &out)
	assert.Equal(t, 1, out)
}

func TestInProcessMapRespectsCapacity(t *testing.T) {
	m, err := newInProcessMap(Options{Name: t.Name(), MaxEntries: 1})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Insert("a", 1))
	assert.Error(t, m.Insert("b", 2))
	assert.NoError(t, m.Insert("a", 3)) // overwrite of existing key is fine
}

func TestInProcessMapRemoveAndIter(t *testing.T) {
	m, err := newInProcessMap(Options{Name: t.Name()})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Insert("a", 1))
	require.NoError(t, m.Insert("b", 2))
	require.NoError(t, m.Remove("a"))

	seen := map[string]bool{}
	err = m.Iter(func(key string, raw json.RawMessage) error {
		seen[key] = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, seen["a"])
	assert.True(t, seen["b"])
}
