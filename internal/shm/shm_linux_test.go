//go:build linux

package shm

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createSegment plays the agent: it creates a segment keyed by a fresh file
// and removes it when the test ends.
func createSegment(t *testing.T, count int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	key, err := Key(path, ProjectID)
	require.NoError(t, err)

	id, err := Create(key, count)
	if err != nil {
		t.Skipf("System V shared memory unavailable: %v", err)
	}
	t.Cleanup(func() { _ = Remove(id) })

	return path
}

func TestKeyIsDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	a, err := Key(path, ProjectID)
	require.NoError(t, err)
	b, err := Key(path, ProjectID)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Key(path, ProjectID+1)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "project id must be part of the key")
	assert.Equal(t, ProjectID, (a>>24)&0xff)
}

func TestKeyMissingPath(t *testing.T) {
	_, err := Key(filepath.Join(t.TempDir(), "missing"), ProjectID)
	assert.Error(t, err)
}

func TestAttachSharesMemory(t *testing.T) {
	path := createSegment(t, 4)

	key, err := Key(path, ProjectID)
	require.NoError(t, err)
	id, err := Lookup(key)
	require.NoError(t, err)

	first, err := Attach(id, 4)
	require.NoError(t, err)
	second, err := Attach(id, 4)
	require.NoError(t, err)

	first.Slots()[2] = 1.5
	assert.Equal(t, float32(1.5), second.Slots()[2], "both mappings see the same memory")
	assert.Len(t, first.Slots(), 4)
	assert.Equal(t, math.Float32bits(1.5), second.Words()[2], "words alias the slots")
	assert.GreaterOrEqual(t, first.Size(), 4*SlotSize)

	require.NoError(t, first.Detach())
	assert.Nil(t, first.Slots())
	assert.Nil(t, first.Words())
	assert.ErrorIs(t, first.Detach(), ErrDetached)

	assert.Equal(t, float32(1.5), second.Slots()[2], "detach does not destroy the segment")
	require.NoError(t, second.Detach())
}

func TestAttachTooSmall(t *testing.T) {
	path := createSegment(t, 2)

	key, err := Key(path, ProjectID)
	require.NoError(t, err)
	id, err := Lookup(key)
	require.NoError(t, err)

	_, err = Attach(id, 3)
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestLookupWithoutSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nobody-created-this")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	key, err := Key(path, ProjectID)
	require.NoError(t, err)

	_, err = Lookup(key)
	assert.Error(t, err)
}

func TestAttachRejectsBadCount(t *testing.T) {
	_, err := Attach(0, 0)
	assert.Error(t, err)
}
