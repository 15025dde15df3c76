package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_CreatesParentAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "result_T1.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"ok":true}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should have been renamed away")
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.json")
	require.NoError(t, AtomicWriteJSON(path, map[string]string{"a": "b"}, 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(data))
	assert.Equal(t, byte('\n'), data[len(data)-1])

	assert.Error(t, AtomicWriteJSON(path, nil, 0o600))
}

func TestAtomicWrite_ConcurrentWritersNeverTear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.json")
	payloads := []string{`{"writer":"a"}`, `{"writer":"b"}`, `{"writer":"c"}`}

	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for range 20 {
				assert.NoError(t, AtomicWrite(path, []byte(p), 0o644))
			}
		}(p)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, payloads, string(data))
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp(".result_T1.json.tmp.123.abcd"))
	assert.False(t, IsTemp("result_T1.json"))
	assert.False(t, IsTemp(".current_task.json"))
}

func TestCreateExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks", "task_T1.json")

	require.NoError(t, CreateExclusive(path, []byte("first"), 0o644))
	err := CreateExclusive(path, []byte("second"), 0o644)
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrExist)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up on both paths")
}
