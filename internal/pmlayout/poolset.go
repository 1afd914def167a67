package pmlayout

// Part describes a single file of a replica.
type Part struct {
	Path string
	Fd   uintptr

	Filesize int64

	// MappedAddr/MappedSize describe the mmap'd data region (excludes the
	// per-part header region, which poolset.OpenNoCheck splits out).
	MappedAddr []byte
	MappedSize int64

	// HdrAddr/HdrSize describe the mmap'd header region; HdrSize is 0
	// when headers are unmapped.
	HdrAddr []byte
	HdrSize int64

	UUID UUID
}

// Replica is an ordered sequence of parts forming one complete image of
// the pool's data.
type Replica struct {
	Parts []Part
}

// PoolSet is one or more replicas sharing a logical identity.
type PoolSet struct {
	PoolsetUUID UUID
	Replicas    []Replica

	// Poolsize is the sum of each part's filesize minus its header
	// region, i.e. the total addressable data size of one replica.
	Poolsize int64
}

// NReplicas returns the number of replicas in the set.
func (p *PoolSet) NReplicas() int { return len(p.Replicas) }

// Part returns replica r's part i, or false if out of range.
func (p *PoolSet) Part(r, i int) (*Part, bool) {
	if r < 0 || r >= len(p.Replicas) {
		return nil, false
	}
	parts := p.Replicas[r].Parts
	if i < 0 || i >= len(parts) {
		return nil, false
	}
	return &parts[i], true
}

// NeighbourPart returns the part adjacent to (r, i) within the replica,
// wrapping around the part ring (parts[(i±1) mod n]), per the "cyclic
// neighbour links" design note: neighbour access never follows a stored
// pointer, it is always computed from the index.
func (p *PoolSet) NeighbourPart(r, i, delta int) (*Part, bool) {
	if r < 0 || r >= len(p.Replicas) {
		return nil, false
	}
	parts := p.Replicas[r].Parts
	n := len(parts)
	if n == 0 {
		return nil, false
	}
	j := ((i+delta)%n + n) % n
	return &parts[j], true
}

// NeighbourReplicaFirstPart returns the first part of the replica
// adjacent to r in the replica ring.
func (p *PoolSet) NeighbourReplicaFirstPart(r, delta int) (*Part, bool) {
	n := len(p.Replicas)
	if n == 0 {
		return nil, false
	}
	j := ((r+delta)%n + n) % n
	if len(p.Replicas[j].Parts) == 0 {
		return nil, false
	}
	return &p.Replicas[j].Parts[0], true
}

// NeighbourReplicaIndex returns the replica index adjacent to r in the
// replica ring, for callers that need to map/unmap that replica rather
// than just read its first part.
func (p *PoolSet) NeighbourReplicaIndex(r, delta int) (int, bool) {
	n := len(p.Replicas)
	if n == 0 {
		return 0, false
	}
	return ((r+delta)%n + n) % n, true
}

// Arena is a contiguous self-describing slice of a BLK pool: one BTT
// info header, its backup, a map, a flog, and a data region.
type Arena struct {
	ID       uint32
	Offset   uint64
	Info     BTTInfo
	Flog     []BTTFlog
	FlogSize int64
	Map      []uint32
	MapSize  int64
	Valid    bool
	Zeroed   bool
}
