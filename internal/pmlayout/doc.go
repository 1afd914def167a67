// Package pmlayout defines the on-disk structures shared by the log, blk
// and obj pool formats: the pool header, its format-specific extensions,
// the BTT info/map/flog layout, and the in-memory pool-set/replica/part
// model that mirrors them.
//
// Invariants (checked by internal/checkpool and internal/btt, enforced to
// hold on any session that ends with CONSISTENT or REPAIRED):
//
//   - Every part's header, when mapped, satisfies
//     checksum(hdr with Checksum field zeroed) == hdr.Checksum.
//   - Within a replica, part k's NextPartUUID equals part k+1's UUID;
//     PrevPartUUID mirrors.
//   - Across replicas, replica r part 0's NextReplUUID equals replica
//     r+1 part 0's UUID; PrevReplUUID mirrors.
//   - All parts in a pool-set share the same PoolsetUUID.
//   - A BTT arena's map is a partial bijection: every internal LBA in
//     [0, InternalNLBA) appears at most once across valid map slots and
//     valid flog current-entries combined.
package pmlayout
