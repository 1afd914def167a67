package checkpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryspol/pmpool/internal/checkdriver"
	"github.com/ryspol/pmpool/internal/pmcodec"
	"github.com/ryspol/pmpool/internal/pmlayout"
)

// buildLogHeaderPart encodes a valid, checksummed log pool header for the
// given identity fields into a fresh HdrAddr-sized buffer.
func buildLogHeaderPart(t *testing.T, uuid, poolsetUUID, prevReplUUID, nextReplUUID pmlayout.UUID) *pmlayout.Part {
	t.Helper()
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

	return &pmlayout.Part{HdrAddr: buf, MappedAddr: make([]byte, 4096)}
}

// TestPoolHeaderStitchNextReplUUID covers spec.md §8 scenario 4: a
// two-replica pool-set whose first replica's next_repl_uuid has been
// corrupted (invalidating its checksum) gets stitched back to the second
// replica's first part uuid.
func TestPoolHeaderStitchNextReplUUID(t *testing.T) {
	poolsetUUID := pmlayout.NewUUID()
	r1UUID := pmlayout.NewUUID()

	r0Part := buildLogHeaderPart(t, pmlayout.NewUUID(), poolsetUUID, r1UUID, r1UUID)
	r1Part := buildLogHeaderPart(t, r1UUID, poolsetUUID, pmlayout.UUID{}, pmlayout.UUID{})

	// Corrupt next_repl_uuid in place without recomputing the checksum,
	// so the checksum mismatch (not a logical field comparison) is what
	// drives the repair path, matching check_pool_hdr.c's
	// CHECK_STEP_COMPLETE short-circuit on a still-valid checksum.
	buf := r0Part.HdrAddr
	hdr, err := pmcodec.DecodePoolHeader(buf)
	require.NoError(t, err)
	hdr.NextReplUUID = pmlayout.UUID{}
	// hdr.Checksum still holds the pre-corruption value; re-encoding with
	// it unchanged reproduces the stale-checksum-vs-new-content mismatch
	// that drives the repair path, without a second checksum call.
	corrupted, err := pmcodec.EncodePoolHeader(&hdr)
	require.NoError(t, err)
	copy(buf, corrupted)
	require.False(t, pmcodec.VerifyPoolHeaderChecksum(buf))

	ps := &pmlayout.PoolSet{Replicas: []pmlayout.Replica{
		{Parts: []pmlayout.Part{*r0Part}},
		{Parts: []pmlayout.Part{*r1Part}},
	}}

	steps := []checkdriver.Step{Step(ps, nil)}
	s := checkdriver.NewSession(checkdriver.Args{Repair: true, AlwaysYes: true}, steps, pmlayout.PoolTypeLog, false)

	// Once the header reaches the repair path it always picks up a
	// trailing checksum-regeneration question (r0Part's header is
	// checksum-invalid by construction), in addition to the
	// QSetNextReplUUID question the corrupted next_repl_uuid drives.
	wantQuestions := []int{QSetNextReplUUID, QChecksum}

	var got []int
	for {
		st, err := s.Step()
		require.NoError(t, err)
		if st == nil {
			break
		}
		got = append(got, st.QuestionID)
	}
	assert.Equal(t, wantQuestions, got)
	assert.Equal(t, checkdriver.ResultRepaired, s.End())

	gotHdr, err := pmcodec.DecodePoolHeader(ps.Replicas[0].Parts[0].HdrAddr)
	require.NoError(t, err)
	assert.Equal(t, r1UUID, gotHdr.NextReplUUID)
	assert.True(t, pmcodec.VerifyPoolHeaderChecksum(ps.Replicas[0].Parts[0].HdrAddr))
}
