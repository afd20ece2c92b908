package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// md5 of "hello".
const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func TestBinary_PutFileAndGet(t *testing.T) {
	path := writeConfig(t, "")
	src := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	out, err := execute(t, "", "-c", path, "binary", "put", src)
	require.NoError(t, err)
	assert.Equal(t, helloMD5+" 5B\n", out)

	out, err = execute(t, "", "-c", path, "binary", "get", helloMD5)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestBinary_PutStdinJSON(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "hello", "-c", path, "--format", "json", "binary", "put", "-")
	require.NoError(t, err)

	var info BinaryInfo
	decode(t, out, &info)
	assert.Equal(t, helloMD5, info.Digest)
	assert.Equal(t, int64(5), info.Length)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "binaries", "data", "5d", "41", helloMD5), info.Path)
}

func TestBinary_GetToFile(t *testing.T) {
	path := writeConfig(t, "")
	_, err := execute(t, "hello", "-c", path, "binary", "put", "-")
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out.bin")
	out, err := execute(t, "", "-c", path, "binary", "get", helloMD5, "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 5B to ")

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestBinary_GetMissing(t *testing.T) {
	path := writeConfig(t, "")

	_, err := execute(t, "", "-c", path, "binary", "get", helloMD5)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
}

func TestBinary_PutMissingFile(t *testing.T) {
	path := writeConfig(t, "")

	_, err := execute(t, "", "-c", path, "binary", "put", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
