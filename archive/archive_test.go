package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileArchiverRejectsEmptyPath(t *testing.T) {
	_, err := NewFileArchiver("")
	assert.ErrorIs(t, err, ErrOutputPathEmpty)
}

func TestWriteReadAtRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.dat")

	a, err := NewFileArchiver(path)
	require.NoError(t, err)
	defer a.Close()

	require.True(t, a.Write([]byte("first")))
	require.True(t, a.Write([]byte("second-record")))

	count, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := a.ReadAt(0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = a.ReadAt(1)
	require.NoError(t, err)
	assert.Equal(t, "second-record", string(got))
}

func TestWriteAfterCloseReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.dat")

	a, err := NewFileArchiver(path)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.False(t, a.Write([]byte("too-late")))
	assert.ErrorIs(t, a.Close(), ErrClosed)
}

// TestReopenAfterExistingRecordsResumesAtCorrectOffset is a regression
// test: NewFileArchiver must derive its resume offset from the data
// file's actual size, not from the fd's position right after an
// O_APPEND open (which does not reflect prior content on reopen).
func TestReopenAfterExistingRecordsResumesAtCorrectOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.dat")

	a, err := NewFileArchiver(path)
	require.NoError(t, err)
	require.True(t, a.Write([]byte("alpha")))
	require.True(t, a.Write([]byte("beta")))
	require.NoError(t, a.Close())

	reopened, err := NewFileArchiver(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, reopened.Write([]byte("gamma")))

	count, err := reopened.Count()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	for i, want := range []string{"alpha", "beta", "gamma"} {
		got, err := reopened.ReadAt(i)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestReadAtDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.dat")

	a, err := NewFileArchiver(path)
	require.NoError(t, err)
	require.True(t, a.Write([]byte("payload")))
	require.NoError(t, a.Close())

	// Corrupt a payload byte in the data file directly (the header is
	// 12 bytes, then a 4-byte length prefix).
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[16] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	reopened, err := NewFileArchiver(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.ReadAt(0)
	assert.Error(t, err)
}
