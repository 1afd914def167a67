package btt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

func sampleBTTInfo() pmlayout.BTTInfo {
	return pmlayout.BTTInfo{
		Sig:             pmlayout.SigBTTInfo,
		UUID:            pmlayout.NewUUID(),
		ParentUUID:      pmlayout.NewUUID(),
		ExternalLBASize: 512,
		ExternalNLBA:    100,
		InternalLBASize: 512,
		InternalNLBA:    132,
		Nfree:           32,
		Infosize:        pmlayout.BTTInfoSize,
		FlogOff:         pmlayout.BTTInfoSize,
		MapOff:          pmlayout.BTTInfoSize + 4096,
		DataOff:         pmlayout.BTTInfoSize + 8192,
		InfoOff:         4096,
	}
}

// TestBTTInfoRestoreFromBackup covers spec.md §8 scenario 3: a corrupted
// primary BTT info header is restored bytewise from its intact backup
// copy at the arena tail.
func TestBTTInfoRestoreFromBackup(t *testing.T) {
	const arenaStart = 2 * pmlayout.BTTAlignment // arenaStartOffset(false)
	const arenaSize = 2 * pmlayout.BTTInfoSize   // primary immediately followed by backup
	data := make([]byte, arenaStart+arenaSize)

	info := sampleBTTInfo()
	encoded, err := pmcodec.EncodeBTTInfo(&info)
	require.NoError(t, err)
	pmcodec.StoreBTTInfoChecksum(encoded)

	backupOff := arenaStart + pmlayout.BTTInfoSize
	copy(data[arenaStart:arenaStart+pmlayout.BTTInfoSize], encoded)
	copy(data[backupOff:backupOff+pmlayout.BTTInfoSize], encoded)

	wantBackup := append([]byte{}, data[backupOff:backupOff+pmlayout.BTTInfoSize]...)

	// Corrupt the primary's checksum byte only; the backup stays intact.
	data[arenaStart+pmlayout.BTTInfoSize-1] ^= 0xFF
	require.False(t, pmcodec.VerifyBTTInfoChecksum(data[arenaStart:arenaStart+pmlayout.BTTInfoSize]))

	part := pmlayout.Part{MappedAddr: data}
	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: []pmlayout.Part{part}}}}

	scanner := NewScanner()
	steps := []checkdriver.Step{InfoStep(ps, scanner)}
	s := checkdriver.NewSession(checkdriver.Args{Repair: true, AlwaysYes: true}, steps, pmlayout.PoolTypeBlk, false)

	var questions int
	for {
		st, err := s.Step()
		require.NoError(t, err)
		if st == nil {
			break
		}
		questions++
		require.Equal(t, QRestoreFromBackup, st.QuestionID)
	}
	assert.Equal(t, 1, questions)
	assert.Equal(t, checkdriver.ResultRepaired, s.End())

	gotPrimary := ps.Replicas[0].Parts[0].MappedAddr[arenaStart : arenaStart+pmlayout.BTTInfoSize]
	assert.Equal(t, wantBackup, gotPrimary)

	require.Len(t, scanner.Arenas, 1)
	assert.True(t, scanner.Arenas[0].Valid)
	assert.Equal(t, info.ExternalLBASize, scanner.Arenas[0].Info.ExternalLBASize)
}

// regeneratedGeometry mirrors regenerateInfo's size-dependent field
// derivation, for constructing a donor whose infosize/dataoff agree
// with what a given arena's remaining space would produce.
func regeneratedGeometry(nfree uint32, internalLBASize, remaining uint64) (internalNLBA, externalNLBA, mapSize, dataOff uint64) {
	flogSize := uint64(nfree) * 2 * 32
	flogSize = roundUp(flogSize, pmlayout.BTTFlogPairAlign)
	usable := remaining - 2*uint64(pmlayout.BTTInfoSize) - flogSize
	internalNLBA = usable / (internalLBASize + pmlayout.BTTMapEntrySize)
	externalNLBA = internalNLBA - uint64(nfree)
	mapSize = roundUp(externalNLBA*pmlayout.BTTMapEntrySize, pmlayout.BTTAlignment)
	dataOff = pmlayout.BTTInfoSize + flogSize + mapSize
	return
}

// TestBTTInfoRegenerateFromDonor covers spec.md §8 scenario 3's sibling
// path: an arena whose info header is unreadable (no valid backup
// either) is rebuilt from a donor arena's geometry constants, with
// internal_nlba/external_nlba/map size computed from this arena's own
// remaining space (not double-counting nfree, see §4.8 step 1).
func TestBTTInfoRegenerateFromDonor(t *testing.T) {
	const arenaStart = 2 * pmlayout.BTTAlignment
	const nfree = 32
	const internalLBASize = 512
	const remaining = 30880 // bothHeaders(8192) + flogSize(2048) + usable(20640)

	fileSize := arenaStart + remaining
	data := make([]byte, fileSize)

	// Broken primary: nonzero garbage, invalid checksum. The tail of the
	// file also lands within backupOffset's candidate window, so it's
	// filled with unrelated garbage too (an all-zero region there would
	// trivially checksum-verify and short-circuit to QRestoreFromBackup
	// instead of the donor-regeneration path this test targets).
	for i := range data[arenaStart : arenaStart+pmlayout.BTTInfoSize] {
		data[arenaStart+i] = 0xAA
	}
	require.False(t, pmcodec.VerifyBTTInfoChecksum(data[arenaStart:arenaStart+pmlayout.BTTInfoSize]))
	tailOff := fileSize - pmlayout.BTTInfoSize
	for i := range data[tailOff:fileSize] {
		data[tailOff+i] = 0x55
	}
	require.False(t, pmcodec.VerifyBTTInfoChecksum(data[tailOff:fileSize]))

	internalNLBA, externalNLBA, mapSize, dataOff := regeneratedGeometry(nfree, internalLBASize, remaining)

	donor := sampleBTTInfo()
	donor.ExternalLBASize = 512
	donor.InternalLBASize = internalLBASize
	donor.Nfree = nfree
	donor.Infosize = pmlayout.BTTInfoSize
	donor.DataOff = dataOff

	donorOff := arenaStart + pmlayout.BTTAlignment
	donorEncoded, err := pmcodec.EncodeBTTInfo(&donor)
	require.NoError(t, err)
	pmcodec.StoreBTTInfoChecksum(donorEncoded)
	copy(data[donorOff:donorOff+pmlayout.BTTInfoSize], donorEncoded)

	part := pmlayout.Part{MappedAddr: data}
	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: []pmlayout.Part{part}}}}

	scanner := NewScanner()
	steps := []checkdriver.Step{InfoStep(ps, scanner)}
	s := checkdriver.NewSession(checkdriver.Args{Repair: true, AlwaysYes: true}, steps, pmlayout.PoolTypeBlk, false)

	var questions int
	for {
		st, err := s.Step()
		require.NoError(t, err)
		if st == nil {
			break
		}
		questions++
		require.Equal(t, QRegenerate, st.QuestionID)
	}
	assert.Equal(t, 1, questions)
	assert.Equal(t, checkdriver.ResultRepaired, s.End())

	rebuilt := ps.Replicas[0].Parts[0].MappedAddr[arenaStart : arenaStart+pmlayout.BTTInfoSize]
	require.True(t, pmcodec.VerifyBTTInfoChecksum(rebuilt))
	got, err := pmcodec.DecodeBTTInfo(rebuilt)
	require.NoError(t, err)

	assert.Equal(t, internalNLBA, got.InternalNLBA)
	assert.Equal(t, externalNLBA, got.ExternalNLBA)
	assert.Equal(t, dataOff, got.DataOff)
	assert.Equal(t, pmlayout.BTTInfoSize+roundUp(uint64(nfree)*2*32, pmlayout.BTTFlogPairAlign), got.MapOff)
	assert.Equal(t, roundUp(externalNLBA*pmlayout.BTTMapEntrySize, pmlayout.BTTAlignment), mapSize)

	require.Len(t, scanner.Arenas, 1)
	assert.True(t, scanner.Arenas[0].Valid)
	assert.Equal(t, internalNLBA, scanner.Arenas[0].Info.InternalNLBA)
}

// TestBTTInfoRegenerateDataOffMismatchCannotRepair covers spec.md §9's
// residue-tail scenario: a donor whose dataoff doesn't match what this
// arena's own remaining space would produce must fail CANNOT_REPAIR
// rather than silently installing a header with the wrong geometry.
func TestBTTInfoRegenerateDataOffMismatchCannotRepair(t *testing.T) {
	const arenaStart = 2 * pmlayout.BTTAlignment
	const nfree = 32
	const internalLBASize = 512
	const remaining = 30880

	fileSize := arenaStart + remaining
	data := make([]byte, fileSize)

	for i := range data[arenaStart : arenaStart+pmlayout.BTTInfoSize] {
		data[arenaStart+i] = 0xAA
	}
	tailOff := fileSize - pmlayout.BTTInfoSize
	for i := range data[tailOff:fileSize] {
		data[tailOff+i] = 0x55
	}

	_, _, _, dataOff := regeneratedGeometry(nfree, internalLBASize, remaining)

	donor := sampleBTTInfo()
	donor.ExternalLBASize = 512
	donor.InternalLBASize = internalLBASize
	donor.Nfree = nfree
	donor.Infosize = pmlayout.BTTInfoSize
	donor.DataOff = dataOff + pmlayout.BTTAlignment // diverges from this arena's actual geometry

	donorOff := arenaStart + pmlayout.BTTAlignment
	donorEncoded, err := pmcodec.EncodeBTTInfo(&donor)
	require.NoError(t, err)
	pmcodec.StoreBTTInfoChecksum(donorEncoded)
	copy(data[donorOff:donorOff+pmlayout.BTTInfoSize], donorEncoded)

	part := pmlayout.Part{MappedAddr: data}
	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{{Parts: []pmlayout.Part{part}}}}

	scanner := NewScanner()
	steps := []checkdriver.Step{InfoStep(ps, scanner)}
	s := checkdriver.NewSession(checkdriver.Args{Repair: true, AlwaysYes: true}, steps, pmlayout.PoolTypeBlk, false)

	for {
		st, err := s.Step()
		if err != nil {
			assert.Equal(t, checkdriver.ErrCannotRepair, err)
			return
		}
		if st == nil {
			t.Fatal("expected CANNOT_REPAIR, session completed instead")
		}
	}
}
