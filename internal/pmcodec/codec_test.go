package pmcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryspol/pmpool/internal/pmlayout"
)

func TestPoolHeaderRoundTrip(t *testing.T) {
	h := pmlayout.DefaultHeader(pmlayout.PoolTypeLog)
	h.UUID = pmlayout.NewUUID()
	h.PoolsetUUID = pmlayout.NewUUID()
	h.CrTime = 1234567890

	buf, err := EncodePoolHeader(&h)
	require.NoError(t, err)
	require.Len(t, buf, pmlayout.PoolHeaderSize)

	got, err := DecodePoolHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestChecksumStoreThenVerify(t *testing.T) {
	h := pmlayout.DefaultHeader(pmlayout.PoolTypeBlk)
	buf, err := EncodePoolHeader(&h)
	require.NoError(t, err)

	StorePoolHeaderChecksum(buf)
	assert.True(t, VerifyPoolHeaderChecksum(buf))

	buf[0] ^= 0xFF
	assert.False(t, VerifyPoolHeaderChecksum(buf))
}

func TestBTTInfoRoundTrip(t *testing.T) {
	info := pmlayout.BTTInfo{
		Sig:             pmlayout.SigBTTInfo,
		UUID:            pmlayout.NewUUID(),
		ParentUUID:      pmlayout.NewUUID(),
		ExternalLBASize: 512,
		Nfree:           32,
	}
	buf, err := EncodeBTTInfo(&info)
	require.NoError(t, err)
	StoreBTTInfoChecksum(buf)
	assert.True(t, VerifyBTTInfoChecksum(buf))

	got, err := DecodeBTTInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, info.ExternalLBASize, got.ExternalLBASize)
	assert.Equal(t, info.UUID, got.UUID)
}

func TestBTTFlogRoundTrip(t *testing.T) {
	f := pmlayout.BTTFlog{LBA: 7, OldMap: 100, NewMap: 200, Seq: 2}
	buf := EncodeBTTFlog(&f)
	got := DecodeBTTFlog(buf)
	assert.Equal(t, f.LBA, got.LBA)
	assert.Equal(t, f.OldMap, got.OldMap)
	assert.Equal(t, f.NewMap, got.NewMap)
	assert.Equal(t, f.Seq, got.Seq)
}

func TestMapEntryRoundTrip(t *testing.T) {
	for _, e := range []uint32{0, 1, pmlayout.BTTMapEntryError | 5, pmlayout.BTTMapEntryZero} {
		buf := EncodeMapEntry(e)
		assert.Equal(t, e, DecodeMapEntry(buf))
	}
}
