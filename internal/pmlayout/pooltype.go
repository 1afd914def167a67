package pmlayout

// PoolType is a closed enumeration of the pool formats this engine
// understands. The values form a bitset so check steps can declare
// "runs for LOG|BLK" the way the original step tables do.
type PoolType uint32

const (
	PoolTypeLog     PoolType = 1 << 0
	PoolTypeBlk     PoolType = 1 << 1
	PoolTypeObj     PoolType = 1 << 2
	PoolTypeBTTDev  PoolType = 1 << 3
	PoolTypeUnknown PoolType = PoolTypeLog | PoolTypeBlk | PoolTypeObj

	// PoolTypeAll matches any declared pool type, BTT devices included.
	PoolTypeAll = PoolTypeLog | PoolTypeBlk | PoolTypeObj | PoolTypeBTTDev
)

// Has reports whether t includes the given member of the bitset.
func (t PoolType) Has(member PoolType) bool {
	return t&member != 0
}

// String renders a pool type for log/error messages.
func (t PoolType) String() string {
	switch t {
	case PoolTypeLog:
		return "log"
	case PoolTypeBlk:
		return "blk"
	case PoolTypeObj:
		return "obj"
	case PoolTypeBTTDev:
		return "btt_dev"
	default:
		return "unknown"
	}
}

// SignatureFor returns the canonical pool-header signature for t, or the
// zero value when t has no header signature of its own (BTT device pools
// carry no pmem pool header at all).
func SignatureFor(t PoolType) ([SigLen]byte, bool) {
	switch t {
	case PoolTypeLog:
		return SigLog, true
	case PoolTypeBlk:
		return SigBlk, true
	case PoolTypeObj:
		return SigObj, true
	default:
		return [SigLen]byte{}, false
	}
}

// TypeFromSignature infers a pool type from an on-disk signature, or
// PoolTypeUnknown if the signature doesn't match any known format.
func TypeFromSignature(sig [SigLen]byte) PoolType {
	switch sig {
	case SigLog:
		return PoolTypeLog
	case SigBlk:
		return PoolTypeBlk
	case SigObj:
		return PoolTypeObj
	default:
		return PoolTypeUnknown
	}
}

// Feature mask constants. Only the bits this engine itself understands
// are named; unknown bits are preserved verbatim and compared bit-for-bit
// against the per-type default during the pool-header check.
const (
	FeatureCompatNone   uint32 = 0
	FeatureIncompatNone uint32 = 0
	FeatureRoCompatNone uint32 = 0
)

// DefaultHeader returns a zeroed header for t with signature, major
// version and all three feature masks set to the type's format
// constants, mirroring pool_hdr_default.
func DefaultHeader(t PoolType) PoolHeader {
	var h PoolHeader
	if sig, ok := SignatureFor(t); ok {
		h.Signature = sig
	}
	h.MajorVersion = 1
	h.CompatFeatures = FeatureCompatNone
	h.IncompatFeatures = FeatureIncompatNone
	h.RoCompatFeatures = FeatureRoCompatNone
	return h
}
