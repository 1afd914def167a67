package poolset

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ryspol/pmpool/internal/pmlayout"
)

// descriptorMagic is the first line of a pool-set descriptor file.
const descriptorMagic = "PMEMPOOLSET"

// Parse accepts either a regular pool file (synthesising a 1x1 pool-set
// whose single part is that file) or a pool-set descriptor file (a text
// file beginning with "PMEMPOOLSET" and one or more "REPLICA" sections).
func Parse(path string) (*pmlayout.PoolSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "poolset: open %s", path)
	}
	defer f.Close()

	first := make([]byte, len(descriptorMagic))
	n, _ := f.Read(first)
	if n == len(descriptorMagic) && string(first) == descriptorMagic {
		return parseDescriptor(f, path)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "poolset: stat %s", path)
	}
	return &pmlayout.PoolSet{
		Replicas: []pmlayout.Replica{{
			Parts: []pmlayout.Part{{Path: path, Filesize: fi.Size()}},
		}},
	}, nil
}

// parseDescriptor parses the simplified pool-set text format: one
// "REPLICA" line per replica, followed by one "<size> <path>" line per
// part. Paths are resolved relative to the descriptor file's directory.
func parseDescriptor(f *os.File, descPath string) (*pmlayout.PoolSet, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, errors.Wrap(err, "poolset: seek descriptor")
	}
	dir := filepath.Dir(descPath)

	ps := &pmlayout.PoolSet{}
	scanner := bufio.NewScanner(f)
	first := true
	var cur *pmlayout.Replica

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if first {
			first = false
			if line != descriptorMagic {
				return nil, errors.Errorf("poolset: %s: missing %s header", descPath, descriptorMagic)
			}
			continue
		}
		if line == "REPLICA" {
			ps.Replicas = append(ps.Replicas, pmlayout.Replica{})
			cur = &ps.Replicas[len(ps.Replicas)-1]
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 || cur == nil {
			return nil, errors.Errorf("poolset: %s: malformed part line %q", descPath, line)
		}
		size, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "poolset: %s: bad size in %q", descPath, line)
		}
		path := fields[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		cur.Parts = append(cur.Parts, pmlayout.Part{Path: path, Filesize: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "poolset: scan descriptor")
	}
	if len(ps.Replicas) == 0 {
		return nil, errors.Errorf("poolset: %s: no replicas", descPath)
	}
	return ps, nil
}

// openFlags for rdonly/rdwr part opens.
func openFlags(rdonly bool) int {
	if rdonly {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

func mmapProt(rdonly bool) int {
	if rdonly {
		return unix.PROT_READ
	}
	return unix.PROT_READ | unix.PROT_WRITE
}

// Open opens every part of ps, mmaps it, and splits the mapping into
// header and data sub-slices. The checked variant cross-verifies every
// part's header signature against the first part once all parts are
// mapped; UUID fields are not compared.
func Open(ps *pmlayout.PoolSet, rdonly bool) error {
	if err := OpenNoCheck(ps, rdonly); err != nil {
		return err
	}
	if err := crossVerify(ps); err != nil {
		Close(ps)
		return err
	}
	return nil
}

// OpenNoCheck opens and maps every part without cross-verifying headers.
func OpenNoCheck(ps *pmlayout.PoolSet, rdonly bool) error {
	for r := range ps.Replicas {
		parts := ps.Replicas[r].Parts
		for i := range parts {
			p := &parts[i]
			f, err := os.OpenFile(p.Path, openFlags(rdonly), 0)
			if err != nil {
				Close(ps)
				return errors.Wrapf(err, "poolset: open part %s", p.Path)
			}
			p.Fd = f.Fd()

			if p.Filesize == 0 {
				fi, err := f.Stat()
				if err != nil {
					f.Close()
					Close(ps)
					return errors.Wrapf(err, "poolset: stat part %s", p.Path)
				}
				p.Filesize = fi.Size()
			}

			mapped, err := unix.Mmap(int(p.Fd), 0, int(p.Filesize), mmapProt(rdonly), unix.MAP_SHARED)
			if err != nil {
				f.Close()
				Close(ps)
				return errors.Wrapf(err, "poolset: mmap part %s", p.Path)
			}

			p.HdrAddr = mapped[:pmlayout.PoolHeaderSize]
			p.HdrSize = pmlayout.PoolHeaderSize
			p.MappedAddr = mapped[pmlayout.PoolHeaderSize:]
			p.MappedSize = int64(len(mapped)) - pmlayout.PoolHeaderSize
		}
	}
	return nil
}

// crossVerify compares every part's header signature against the pool
// set's first part, skipping all-zero headers; UUID fields are not
// compared.
func crossVerify(ps *pmlayout.PoolSet) error {
	first, ok := ps.Part(0, 0)
	if !ok {
		return errors.New("poolset: empty pool-set")
	}
	if len(first.HdrAddr) < pmlayout.PoolHeaderSize {
		return errors.New("poolset: first part header not mapped")
	}
	refSig := [pmlayout.SigLen]byte{}
	copy(refSig[:], first.HdrAddr[:pmlayout.SigLen])

	for r := range ps.Replicas {
		for i := range ps.Replicas[r].Parts {
			p := &ps.Replicas[r].Parts[i]
			if len(p.HdrAddr) < pmlayout.SigLen {
				continue
			}
			var sig [pmlayout.SigLen]byte
			copy(sig[:], p.HdrAddr[:pmlayout.SigLen])
			if pmlayout.AllZero(p.HdrAddr) {
				// Uninitialised header: left for the pool-header check
				// step to classify and repair, not a cross-verify error.
				continue
			}
			if sig != refSig {
				return errors.Errorf("poolset: part %s signature mismatch with first part", p.Path)
			}
		}
	}
	return nil
}

// MapHeaders is a no-op once Open has mapped the whole file; present so
// callers that unmapped headers can remap them idempotently.
func MapHeaders(ps *pmlayout.PoolSet) {
	for r := range ps.Replicas {
		for i := range ps.Replicas[r].Parts {
			p := &ps.Replicas[r].Parts[i]
			if p.HdrSize == 0 && len(p.MappedAddr) > 0 {
				full := p.MappedAddr[:cap(p.MappedAddr)]
				_ = full
				p.HdrSize = pmlayout.PoolHeaderSize
			}
		}
	}
}

// UnmapHeaders marks every part's header region as unmapped. Per the
// contract, part addresses remain valid; only HdrSize is reset, so a
// caller cannot accidentally treat stale header bytes as live data.
func UnmapHeaders(ps *pmlayout.PoolSet) {
	for r := range ps.Replicas {
		for i := range ps.Replicas[r].Parts {
			ps.Replicas[r].Parts[i].HdrSize = 0
		}
	}
}

// Read copies nbytes from replica r's flat data view, starting at byte
// offset off, into buf.
func Read(r *pmlayout.Replica, buf []byte, nbytes, off int64) error {
	return transferFlat(r, buf, nbytes, off, false)
}

// Write copies nbytes from buf into replica r's flat data view, starting
// at byte offset off.
func Write(r *pmlayout.Replica, buf []byte, nbytes, off int64) error {
	return transferFlat(r, buf, nbytes, off, true)
}

func transferFlat(r *pmlayout.Replica, buf []byte, nbytes, off int64, write bool) error {
	total := ReplicaDataLen(r)
	if off < 0 || off+nbytes > total {
		return errors.Errorf("poolset: out of range: off=%d nbytes=%d replica size=%d", off, nbytes, total)
	}

	var cursor int64
	var done int64
	for i := range r.Parts {
		p := &r.Parts[i]
		partLen := PartDataLen(p)
		partStart, partEnd := cursor, cursor+partLen
		cursor = partEnd

		if off+done >= partEnd || off >= partEnd {
			continue
		}
		segStart := off + done
		if segStart < partStart {
			segStart = partStart
		}
		remaining := nbytes - done
		if remaining <= 0 {
			break
		}
		segLen := partEnd - segStart
		if segLen > remaining {
			segLen = remaining
		}
		localOff := segStart - partStart

		if write {
			copy(p.MappedAddr[localOff:localOff+segLen], buf[done:done+segLen])
		} else {
			copy(buf[done:done+segLen], p.MappedAddr[localOff:localOff+segLen])
		}
		done += segLen
		if done == nbytes {
			break
		}
	}
	if done != nbytes {
		return errors.Errorf("poolset: short transfer: wanted %d, moved %d", nbytes, done)
	}
	return nil
}

// Msync flushes every part's mapping to persistent storage.
func Msync(ps *pmlayout.PoolSet) error {
	for r := range ps.Replicas {
		for i := range ps.Replicas[r].Parts {
			p := &ps.Replicas[r].Parts[i]
			full := fullMapping(p)
			if full == nil {
				continue
			}
			if err := unix.Msync(full, unix.MS_SYNC); err != nil {
				return errors.Wrapf(err, "poolset: msync part %s", p.Path)
			}
		}
	}
	return nil
}

func fullMapping(p *pmlayout.Part) []byte {
	if len(p.HdrAddr) == 0 {
		return p.MappedAddr
	}
	// HdrAddr and MappedAddr are adjacent sub-slices of the same mmap
	// region (see OpenNoCheck); reconstruct the full slice for msync.
	return p.HdrAddr[:int(p.HdrSize)+len(p.MappedAddr)]
}

// Close unmaps and closes every part file in ps.
func Close(ps *pmlayout.PoolSet) {
	for r := range ps.Replicas {
		for i := range ps.Replicas[r].Parts {
			p := &ps.Replicas[r].Parts[i]
			if full := fullMapping(p); full != nil {
				_ = unix.Munmap(full)
			}
			if p.Fd != 0 {
				_ = unix.Close(int(p.Fd))
			}
			p.MappedAddr, p.HdrAddr = nil, nil
			p.MappedSize, p.HdrSize = 0, 0
		}
	}
}

// CreatePart creates (or truncates) the part file at p.Path to
// p.Filesize bytes with the given permissions, for sync/transform's
// "recreate target part" step.
func CreatePart(p *pmlayout.Part, perm os.FileMode) error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "poolset: remove stale part %s", p.Path)
	}
	f, err := os.OpenFile(p.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errors.Wrapf(err, "poolset: create part %s", p.Path)
	}
	defer f.Close()
	if err := f.Truncate(p.Filesize); err != nil {
		return errors.Wrapf(err, "poolset: truncate part %s to %d", p.Path, p.Filesize)
	}
	return nil
}
