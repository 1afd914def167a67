package pmpool

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

// writeOutputDescriptor writes a two-part, one-replica pool-set
// descriptor referencing paths relative to dir.
func writeOutputDescriptor(t *testing.T, descPath string, partSize int64, partNames ...string) {
	t.Helper()
	content := "PMEMPOOLSET\nREPLICA\n"
	for _, name := range partNames {
		content += strconv.FormatInt(partSize, 10) + " " + name + "\n"
	}
	require.NoError(t, os.WriteFile(descPath, []byte(content), 0644))
}

func readHeaderAt(t *testing.T, path string) pmlayout.PoolHeader {
	t.Helper()
	buf := make([]byte, pmlayout.PoolHeaderSize)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	hdr, err := pmcodec.DecodePoolHeader(buf)
	require.NoError(t, err)
	return hdr
}

// TestTransformOnePartIntoTwo covers spec.md §8 scenario 6: splitting a
// single-part input into a two-part output.
func TestTransformOnePartIntoTwo(t *testing.T) {
	const outPartSize = 8 << 20
	// The input's data region must match the output's combined data
	// region exactly (two headers of overhead instead of one), so the
	// input file is one PoolHeaderSize short of a flat 16 MiB.
	const inSize = 2*outPartSize - pmlayout.PoolHeaderSize

	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.pool")
	buildLogPool(t, inPath, inSize)

	pattern := make([]byte, inSize-pmlayout.PoolHeaderSize)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	f, err := os.OpenFile(inPath, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(pattern, pmlayout.PoolHeaderSize)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	descPath := filepath.Join(dir, "out.poolset")
	writeOutputDescriptor(t, descPath, outPartSize, "out0.pool", "out1.pool")
	out0Path := filepath.Join(dir, "out0.pool")
	out1Path := filepath.Join(dir, "out1.pool")

	require.NoError(t, Transform(inPath, descPath, 0))

	// The staged "_temp" files were renamed away, not left behind.
	_, err = os.Stat(out0Path + "_temp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(out1Path + "_temp")
	assert.True(t, os.IsNotExist(err))

	assert.FileExists(t, out0Path)
	assert.FileExists(t, out1Path)

	// Original input is removed (KeepOrig not set).
	_, err = os.Stat(inPath)
	assert.True(t, os.IsNotExist(err))

	out0Hdr := readHeaderAt(t, out0Path)
	out1Hdr := readHeaderAt(t, out1Path)
	assert.NotEqual(t, out0Hdr.UUID, out1Hdr.UUID)
	assert.Equal(t, out1Hdr.UUID, out0Hdr.NextPartUUID)
	assert.Equal(t, out0Hdr.UUID, out1Hdr.PrevPartUUID)

	out0Data, err := os.ReadFile(out0Path)
	require.NoError(t, err)
	out1Data, err := os.ReadFile(out1Path)
	require.NoError(t, err)
	assert.Equal(t, pattern[:outPartSize-pmlayout.PoolHeaderSize], out0Data[pmlayout.PoolHeaderSize:])
	assert.Equal(t, pattern[outPartSize-pmlayout.PoolHeaderSize:], out1Data[pmlayout.PoolHeaderSize:])
}

// TestTransformKeepOrigRenamesInput covers the KEEP_ORIG branch of the
// same scenario: the input part is renamed with an "_old" suffix rather
// than removed.
func TestTransformKeepOrigRenamesInput(t *testing.T) {
	const outPartSize = 8 << 20
	const inSize = 2*outPartSize - pmlayout.PoolHeaderSize

	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.pool")
	buildLogPool(t, inPath, inSize)

	descPath := filepath.Join(dir, "out.poolset")
	writeOutputDescriptor(t, descPath, outPartSize, "out0.pool", "out1.pool")

	require.NoError(t, Transform(inPath, descPath, TransformFlagKeepOrig))

	_, err := os.Stat(inPath)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, inPath+"_old")
}
