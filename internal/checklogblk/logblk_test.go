package checklogblk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

// fakeBTTLookup stubs btt.Scanner.FirstArenaExternalLBASize for tests
// that don't need a real arena on disk.
type fakeBTTLookup struct {
	size uint64
	ok   bool
}

func (f fakeBTTLookup) FirstArenaExternalLBASize(*pmlayout.PoolSet) (uint64, bool) {
	return f.size, f.ok
}

func buildBlkPart(t *testing.T, bsize uint32) *pmlayout.Part {
	t.Helper()
	const filesize = 64 << 10

	hdr := pmlayout.BlkHeader{Pool: pmlayout.DefaultHeader(pmlayout.PoolTypeBlk), Bsize: bsize}
	buf, err := pmcodec.EncodeBlkHeader(&hdr)
	require.NoError(t, err)
	pmcodec.StorePoolHeaderChecksum(buf[:pmlayout.PoolHeaderSize])

	mapped := make([]byte, filesize-pmlayout.PoolHeaderSize)
	copy(mapped[:8], buf[pmlayout.PoolHeaderSize:])

	return &pmlayout.Part{
		Filesize:   filesize,
		HdrAddr:    buf[:pmlayout.PoolHeaderSize],
		MappedAddr: mapped,
	}
}

// TestBlkBsizeFromBTT covers spec.md §8 scenario 2: a BLK pool with
// bsize=0 and a valid BTT whose external_lbasize disagrees gets bsize
// repaired to match the BTT.
func TestBlkBsizeFromBTT(t *testing.T) {
	part := buildBlkPart(t, 0)
	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: []pmlayout.Part{*part}}}}

	steps := []checkdriver.Step{Step(ps, fakeBTTLookup{size: 512, ok: true})}
	s := checkdriver.NewSession(checkdriver.Args{Repair: true, AlwaysYes: true}, steps, pmlayout.PoolTypeBlk, false)

	var questions int
	for {
		st, err := s.Step()
		require.NoError(t, err)
		if st == nil {
			break
		}
		questions++
		require.Equal(t, QBlkBsizeFromBTT, st.QuestionID)
	}
	assert.Equal(t, 1, questions)
	assert.Equal(t, checkdriver.ResultRepaired, s.End())

	hdr, _ := readBlkHeader(&ps.Replicas[0].Parts[0])
	assert.Equal(t, uint32(512), hdr.Bsize)
}

// TestBlkBsizeFromBTTNoQuestionWhenAlreadyMatching confirms a bsize
// already agreeing with the BTT's external_lbasize produces no question.
func TestBlkBsizeFromBTTNoQuestionWhenAlreadyMatching(t *testing.T) {
	part := buildBlkPart(t, 512)
	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: []pmlayout.Part{*part}}}}

	steps := []checkdriver.Step{Step(ps, fakeBTTLookup{size: 512, ok: true})}
	s := checkdriver.NewSession(checkdriver.Args{Repair: true, AlwaysYes: true}, steps, pmlayout.PoolTypeBlk, false)

	st, err := s.Step()
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, checkdriver.ResultConsistent, s.End())
}
