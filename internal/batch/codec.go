package batch

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
)

// Frame layout (little endian):
//
//	magic       (1 byte, 0xB7)
//	version     (1 byte)
//	flags       (1 byte, bit 0 = content type present)
//	dataLen     (4 bytes)
//	metaLen     (4 bytes)
//	typeLen     (2 bytes)
//	data        (dataLen bytes)
//	metadata    (metaLen bytes)
//	contentType (typeLen bytes)
//	crc32c      (4 bytes, seeded with the frame's offset in its unit, then
//	             covering every preceding byte of the frame)
//
// Seeding with the offset ties a frame to its position: a frame that turns
// up anywhere else, such as one embedded in another record's payload, fails
// validation.
const (
	frameMagic   = 0xB7
	frameVersion = 0x02

	frameFlagContentType = 0x01

	frameHeaderSize  = 1 + 1 + 1 + 4 + 4 + 2
	frameTrailerSize = 4

	// FrameOverhead is the fixed number of bytes a frame adds to a record.
	FrameOverhead = frameHeaderSize + frameTrailerSize
)

var (
	ErrRecordTooLarge      = errors.New("record field exceeds frame limits")
	ErrContentTypeTooLarge = errors.New("content type exceeds frame limits")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FrameSize returns the encoded size of r.
func FrameSize(r Record) int {
	return FrameOverhead + len(r.Data) + len(r.Metadata) + len(r.ContentType)
}

// EncodeRecord returns r as the first frame of a unit.
func EncodeRecord(r Record) ([]byte, error) {
	return EncodeRecordAt(r, 0)
}

// EncodeRecordAt returns r as a frame that starts offset bytes into the
// frame section of its unit.
func EncodeRecordAt(r Record, offset int64) ([]byte, error) {
	return appendFrame(make([]byte, 0, FrameSize(r)), r, offset)
}

// AppendRecord appends the frame for r to dst, which holds the frames of a
// unit from its start.
func AppendRecord(dst []byte, r Record) ([]byte, error) {
	return appendFrame(dst, r, int64(len(dst)))
}

func appendFrame(dst []byte, r Record, offset int64) ([]byte, error) {
	if uint64(len(r.Data)) > math.MaxUint32 || uint64(len(r.Metadata)) > math.MaxUint32 {
		return dst, ErrRecordTooLarge
	}
	if len(r.ContentType) > math.MaxUint16 {
		return dst, ErrContentTypeTooLarge
	}

	start := len(dst)
	var flags byte
	if r.ContentType != "" {
		flags |= frameFlagContentType
	}
	var hdr [frameHeaderSize]byte
	hdr[0] = frameMagic
	hdr[1] = frameVersion
	hdr[2] = flags
	binary.LittleEndian.PutUint32(hdr[3:7], uint32(len(r.Data)))          //nolint:gosec // G115: checked above
	binary.LittleEndian.PutUint32(hdr[7:11], uint32(len(r.Metadata)))     //nolint:gosec // G115: checked above
	binary.LittleEndian.PutUint16(hdr[11:13], uint16(len(r.ContentType))) //nolint:gosec // G115: checked above

	dst = append(dst, hdr[:]...)
	dst = append(dst, r.Data...)
	dst = append(dst, r.Metadata...)
	dst = append(dst, r.ContentType...)

	crc := frameChecksum(dst[start:], offset)
	return binary.LittleEndian.AppendUint32(dst, crc), nil
}

func frameChecksum(body []byte, offset int64) uint32 {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(offset)) //nolint:gosec // G115: offsets are never negative
	return crc32.Update(crc32.Checksum(seed[:], castagnoli), castagnoli, body)
}

// DecodeStats describes what DecodeRecords had to skip.
type DecodeStats struct {
	// Skipped is the number of corrupt or truncated regions dropped.
	Skipped int
	// SkippedBytes is the total size of those regions.
	SkippedBytes int
}

// DecodeRecords decodes every valid frame in buf, the frame section of one
// unit, in order. A frame that fails validation is skipped and decoding
// resumes at the next byte that starts a valid frame, so a torn tail or a
// corrupted record only costs that record. The returned records alias buf.
func DecodeRecords(buf []byte) ([]Record, DecodeStats) {
	var (
		records []Record
		stats   DecodeStats
		inGap   bool
	)
	for pos := 0; pos < len(buf); {
		if buf[pos] == frameMagic {
			if rec, n, ok := decodeFrame(buf[pos:], int64(pos)); ok {
				records = append(records, rec)
				pos += n
				inGap = false
				continue
			}
		}
		if !inGap {
			stats.Skipped++
			inGap = true
		}
		stats.SkippedBytes++
		pos++
	}
	return records, stats
}

// decodeFrame validates and decodes the frame at the start of b, which sits
// offset bytes into its unit.
func decodeFrame(b []byte, offset int64) (Record, int, bool) {
	if len(b) < FrameOverhead {
		return Record{}, 0, false
	}
	if b[0] != frameMagic || b[1] != frameVersion {
		return Record{}, 0, false
	}
	flags := b[2]
	dataLen := int(binary.LittleEndian.Uint32(b[3:7]))
	metaLen := int(binary.LittleEndian.Uint32(b[7:11]))
	typeLen := int(binary.LittleEndian.Uint16(b[11:13]))

	bodyEnd := frameHeaderSize + dataLen + metaLen + typeLen
	if bodyEnd < frameHeaderSize || bodyEnd+frameTrailerSize > len(b) {
		return Record{}, 0, false
	}
	if (flags&frameFlagContentType != 0) != (typeLen > 0) {
		return Record{}, 0, false
	}
	expect := binary.LittleEndian.Uint32(b[bodyEnd : bodyEnd+frameTrailerSize])
	if frameChecksum(b[:bodyEnd], offset) != expect {
		return Record{}, 0, false
	}

	dataEnd := frameHeaderSize + dataLen
	metaEnd := dataEnd + metaLen
	rec := Record{
		Data:        b[frameHeaderSize:dataEnd:dataEnd],
		Metadata:    b[dataEnd:metaEnd:metaEnd],
		ContentType: string(b[metaEnd:bodyEnd]),
	}
	return rec, bodyEnd + frameTrailerSize, true
}

// LastFrameEnd returns the offset just past the last valid frame in buf, or 0
// if buf holds none. Bytes after it are a torn or corrupt tail.
func LastFrameEnd(buf []byte) int {
	end := 0
	for pos := 0; pos < len(buf); {
		if buf[pos] == frameMagic {
			if _, n, ok := decodeFrame(buf[pos:], int64(pos)); ok {
				pos += n
				end = pos
				continue
			}
		}
		pos++
	}
	return end
}
