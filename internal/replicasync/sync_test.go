package replicasync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

func buildLogPool(t *testing.T, path string, filesize int64) pmlayout.UUID {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(filesize))

	hdr := pmlayout.DefaultHeader(pmlayout.PoolTypeLog)
	hdr.UUID = pmlayout.NewUUID()
	hdr.PoolsetUUID = hdr.UUID
	hdr.PrevPartUUID = hdr.UUID
	hdr.NextPartUUID = hdr.UUID
	hdr.PrevReplUUID = hdr.UUID
	hdr.NextReplUUID = hdr.UUID

	buf, err := pmcodec.EncodePoolHeader(&hdr)
	require.NoError(t, err)
	pmcodec.StorePoolHeaderChecksum(buf)

	_, err = f.WriteAt(buf, 0)
	require.NoError(t, err)
	return hdr.PoolsetUUID
}

// TestSyncRecreatesMissingReplica covers spec.md §8 scenario 5: syncing a
// whole missing replica from a healthy source recreates its part file
// with the right permissions, byte-identical data, and a stitched
// poolset/replica uuid web.
func TestSyncRecreatesMissingReplica(t *testing.T) {
	const filesize = 64 << 10

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.pool")
	dstPath := filepath.Join(dir, "dst.pool")
	buildLogPool(t, srcPath, filesize)

	pattern := make([]byte, filesize-pmlayout.PoolHeaderSize)
	for i := range pattern {
		pattern[i] = byte(i % 241)
	}
	f, err := os.OpenFile(srcPath, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(pattern, pmlayout.PoolHeaderSize)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{
		{Parts: []pmlayout.Part{{Path: srcPath, Filesize: filesize}}},
		{Parts: []pmlayout.Part{{Path: dstPath, Filesize: filesize}}},
	}}

	require.NoError(t, Sync(ps, Options{ReplTo: 1, ReplFrom: 0}))

	assert.FileExists(t, dstPath)
	info, err := os.Stat(dstPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(TargetPerm), info.Mode().Perm())

	srcData, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	dstData, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, srcData[pmlayout.PoolHeaderSize:], dstData[pmlayout.PoolHeaderSize:])

	srcHdr := readHeaderFile(t, srcPath)
	dstHdr := readHeaderFile(t, dstPath)

	assert.Equal(t, srcHdr.PoolsetUUID, dstHdr.PoolsetUUID)
	assert.Equal(t, dstHdr.UUID, srcHdr.NextReplUUID)
	assert.True(t, pmcodec.VerifyPoolHeaderChecksum(mustReadHeaderBytes(t, dstPath)))
}

// TestSyncStitchesBothRingNeighbours covers spec.md §3's cross-replica ring
// invariant on a pool-set with three replicas, where the two ring
// directions from the rebuilt replica are distinct: syncing replica 1 (the
// middle of the 0->1->2->0 ring) from replica 0 must leave replica 0's
// next_repl_uuid AND replica 2's prev_repl_uuid both pointing at the
// rebuilt replica's new uuid, not just one of them.
func TestSyncStitchesBothRingNeighbours(t *testing.T) {
	const filesize = 64 << 10

	dir := t.TempDir()
	r0Path := filepath.Join(dir, "r0.pool")
	r1Path := filepath.Join(dir, "r1.pool")
	r2Path := filepath.Join(dir, "r2.pool")

	poolsetUUID := buildLogPool(t, r0Path, filesize)
	r0UUID := readHeaderFile(t, r0Path).UUID

	r1UUID := pmlayout.NewUUID()
	r2UUID := pmlayout.NewUUID()
	writeRingHeader(t, r1Path, filesize, poolsetUUID, r1UUID, r0UUID, r2UUID)
	writeRingHeader(t, r2Path, filesize, poolsetUUID, r2UUID, r1UUID, r0UUID)

	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{
		{Parts: []pmlayout.Part{{Path: r0Path, Filesize: filesize}}},
		{Parts: []pmlayout.Part{{Path: r1Path, Filesize: filesize}}},
		{Parts: []pmlayout.Part{{Path: r2Path, Filesize: filesize}}},
	}}

	require.NoError(t, Sync(ps, Options{ReplTo: 1, ReplFrom: 0}))

	r0Hdr := readHeaderFile(t, r0Path)
	r1Hdr := readHeaderFile(t, r1Path)
	r2Hdr := readHeaderFile(t, r2Path)

	assert.Equal(t, r1Hdr.UUID, r0Hdr.NextReplUUID, "replica 0's next_repl_uuid must follow the rebuilt replica")
	assert.Equal(t, r1Hdr.UUID, r2Hdr.PrevReplUUID, "replica 2's prev_repl_uuid must follow the rebuilt replica")
	assert.Equal(t, r0UUID, r1Hdr.PrevReplUUID)
	assert.Equal(t, r2UUID, r1Hdr.NextReplUUID)

	assert.True(t, pmcodec.VerifyPoolHeaderChecksum(mustReadHeaderBytes(t, r0Path)))
	assert.True(t, pmcodec.VerifyPoolHeaderChecksum(mustReadHeaderBytes(t, r1Path)))
	assert.True(t, pmcodec.VerifyPoolHeaderChecksum(mustReadHeaderBytes(t, r2Path)))
}

// writeRingHeader writes a valid, checksummed log pool header for a
// replica's only part, with explicit ring-neighbour uuids (unlike
// buildLogPool, which self-loops a single replica).
func writeRingHeader(t *testing.T, path string, filesize int64, poolsetUUID, uuid, prevReplUUID, nextReplUUID pmlayout.UUID) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(filesize))

	hdr := pmlayout.DefaultHeader(pmlayout.PoolTypeLog)
	hdr.UUID = uuid
	hdr.PoolsetUUID = poolsetUUID
	hdr.PrevPartUUID = uuid
	hdr.NextPartUUID = uuid
	hdr.PrevReplUUID = prevReplUUID
	hdr.NextReplUUID = nextReplUUID

	buf, err := pmcodec.EncodePoolHeader(&hdr)
	require.NoError(t, err)
	pmcodec.StorePoolHeaderChecksum(buf)

	_, err = f.WriteAt(buf, 0)
	require.NoError(t, err)
}

func mustReadHeaderBytes(t *testing.T, path string) []byte {
	t.Helper()
	buf := make([]byte, pmlayout.PoolHeaderSize)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	return buf
}

func readHeaderFile(t *testing.T, path string) pmlayout.PoolHeader {
	t.Helper()
	hdr, err := pmcodec.DecodePoolHeader(mustReadHeaderBytes(t, path))
	require.NoError(t, err)
	return hdr
}
