package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("should create the file and its directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "subdir", "test.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should continue from an existing file size", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		require.NoError(t, os.WriteFile(logFile, []byte("12345"), 0o600))

		rw, err := NewRotatingWriter(logFile, 10, 0, false)
		require.NoError(t, err)
		defer rw.Close()
		assert.Equal(t, int64(5), rw.currentSize)
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)

	data := []byte("test log message\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, rw.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "test log message\n", string(content))

	_, err = rw.Write(data)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriterRotation(t *testing.T) {
	t.Run("should move the file aside when full", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")
		rw, err := newRotatingWriter(logFile, 100, 0, false)
		require.NoError(t, err)

		chunk := []byte(strings.Repeat("a", 60))
		for i := 0; i < 3; i++ {
			_, err := rw.Write(chunk)
			require.NoError(t, err)
		}
		require.NoError(t, rw.Close())

		rotated, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		assert.Len(t, rotated, 2)

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Len(t, content, 60)
	})

	t.Run("should never rotate without a size limit", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		rw, err := NewRotatingWriter(logFile, 0, 0, false)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			_, err := rw.Write([]byte(strings.Repeat("b", 100)))
			require.NoError(t, err)
		}
		require.NoError(t, rw.Close())

		rotated, _ := filepath.Glob(logFile + ".*")
		assert.Empty(t, rotated)
	})

	t.Run("should compress rotated files", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		rw, err := newRotatingWriter(logFile, 10, 0, true)
		require.NoError(t, err)

		_, err = rw.Write([]byte("first line\n"))
		require.NoError(t, err)
		_, err = rw.Write([]byte("second line\n"))
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		gz, err := filepath.Glob(logFile + ".*.gz")
		require.NoError(t, err)
		assert.Len(t, gz, 1)
	})

	t.Run("should be safe for concurrent writers", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		rw, err := newRotatingWriter(logFile, 512, 0, false)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					_, _ = rw.Write([]byte("concurrent line\n"))
				}
			}()
		}
		wg.Wait()
		assert.NoError(t, rw.Close())
	})
}

func TestCompressFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0o644))

	rw := &RotatingWriter{compress: true}
	require.NoError(t, rw.compressFile(testFile))

	_, err := os.Stat(testFile + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(testFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	oldFile := logFile + ".20200101-120000.000000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old log"), 0o644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	freshFile := logFile + ".20990101-120000.000000"
	require.NoError(t, os.WriteFile(freshFile, []byte("new log"), 0o644))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshFile)
	assert.NoError(t, err)
}
