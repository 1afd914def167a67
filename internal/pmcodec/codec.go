package pmcodec

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ryspol/pmpool/internal/pmlayout"
)

// EncodePoolHeader serialises h to its little-endian on-disk form. This is
// the ToLE half of the C1 contract: call immediately before write-back,
// never holding a structure in a mixed byte-order state across a
// check-driver suspension point.
func EncodePoolHeader(h *pmlayout.PoolHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, errors.Wrap(err, "encode pool header")
	}
	if buf.Len() != pmlayout.PoolHeaderSize {
		return nil, errors.Errorf("encoded pool header size %d != %d", buf.Len(), pmlayout.PoolHeaderSize)
	}
	return buf.Bytes(), nil
}

// DecodePoolHeader parses buf into host-order form. This is the ToHost
// half of the C1 contract: call only after a successful read.
func DecodePoolHeader(buf []byte) (pmlayout.PoolHeader, error) {
	var h pmlayout.PoolHeader
	if len(buf) < pmlayout.PoolHeaderSize {
		return h, errors.Errorf("pool header buffer too short: %d < %d", len(buf), pmlayout.PoolHeaderSize)
	}
	if err := binary.Read(bytes.NewReader(buf[:pmlayout.PoolHeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, errors.Wrap(err, "decode pool header")
	}
	return h, nil
}

// PoolHeaderChecksumOffset is the byte offset of the Checksum field
// within the encoded pool header.
const PoolHeaderChecksumOffset = pmlayout.PoolHeaderSize - 8

// VerifyPoolHeaderChecksum reports whether buf's stored checksum matches
// its computed checksum, with the checksum field zeroed during the
// reduction.
func VerifyPoolHeaderChecksum(buf []byte) bool {
	ok, _ := Checksum(buf, PoolHeaderChecksumOffset, false)
	return ok
}

// StorePoolHeaderChecksum recomputes and stores buf's checksum in place.
func StorePoolHeaderChecksum(buf []byte) {
	Checksum(buf, PoolHeaderChecksumOffset, true)
}

// EncodeLogHeader and DecodeLogHeader round-trip a log pool's header.
func EncodeLogHeader(h *pmlayout.LogHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, errors.Wrap(err, "encode log header")
	}
	return buf.Bytes(), nil
}

func DecodeLogHeader(buf []byte) (pmlayout.LogHeader, error) {
	var h pmlayout.LogHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return h, errors.Wrap(err, "decode log header")
	}
	return h, nil
}

// EncodeBlkHeader and DecodeBlkHeader round-trip a blk pool's header.
func EncodeBlkHeader(h *pmlayout.BlkHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, errors.Wrap(err, "encode blk header")
	}
	return buf.Bytes(), nil
}

func DecodeBlkHeader(buf []byte) (pmlayout.BlkHeader, error) {
	var h pmlayout.BlkHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return h, errors.Wrap(err, "decode blk header")
	}
	return h, nil
}

// EncodeBTTInfo and DecodeBTTInfo round-trip a single arena's BTT info
// header.
func EncodeBTTInfo(i *pmlayout.BTTInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, errors.Wrap(err, "encode btt info")
	}
	if buf.Len() != pmlayout.BTTInfoSize {
		return nil, errors.Errorf("encoded btt info size %d != %d", buf.Len(), pmlayout.BTTInfoSize)
	}
	return buf.Bytes(), nil
}

func DecodeBTTInfo(buf []byte) (pmlayout.BTTInfo, error) {
	var i pmlayout.BTTInfo
	if len(buf) < pmlayout.BTTInfoSize {
		return i, errors.Errorf("btt info buffer too short: %d < %d", len(buf), pmlayout.BTTInfoSize)
	}
	if err := binary.Read(bytes.NewReader(buf[:pmlayout.BTTInfoSize]), binary.LittleEndian, &i); err != nil {
		return i, errors.Wrap(err, "decode btt info")
	}
	return i, nil
}

// BTTInfoChecksumOffset is the byte offset of the Checksum field within
// the encoded BTT info header.
const BTTInfoChecksumOffset = pmlayout.BTTInfoSize - 8

func VerifyBTTInfoChecksum(buf []byte) bool {
	ok, _ := Checksum(buf, BTTInfoChecksumOffset, false)
	return ok
}

func StoreBTTInfoChecksum(buf []byte) {
	Checksum(buf, BTTInfoChecksumOffset, true)
}

// EncodeBTTFlog and DecodeBTTFlog round-trip a single 32-byte flog
// record (half of a flog pair).
func EncodeBTTFlog(f *pmlayout.BTTFlog) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], f.LBA)
	binary.LittleEndian.PutUint32(buf[4:8], f.OldMap)
	binary.LittleEndian.PutUint32(buf[8:12], f.NewMap)
	binary.LittleEndian.PutUint32(buf[12:16], f.Seq)
	return buf
}

func DecodeBTTFlog(buf []byte) pmlayout.BTTFlog {
	var f pmlayout.BTTFlog
	f.LBA = binary.LittleEndian.Uint32(buf[0:4])
	f.OldMap = binary.LittleEndian.Uint32(buf[4:8])
	f.NewMap = binary.LittleEndian.Uint32(buf[8:12])
	f.Seq = binary.LittleEndian.Uint32(buf[12:16])
	return f
}

// EncodeMapEntry and DecodeMapEntry round-trip a single 4-byte BTT map
// entry.
func EncodeMapEntry(e uint32) []byte {
	buf := make([]byte, pmlayout.BTTMapEntrySize)
	binary.LittleEndian.PutUint32(buf, e)
	return buf
}

func DecodeMapEntry(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
