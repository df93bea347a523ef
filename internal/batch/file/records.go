package file

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/format"
)

const (
	flagSealed     = format.FlagSealed
	flagCompressed = format.FlagCompressed

	createdAtSize     = 8
	recordsPrefixSize = format.HeaderSize + createdAtSize
)

var errNotSealed = errors.New("unit is not sealed")

// createRecordsFile creates records.log with its header and creation time and
// returns it opened for appending.
func createRecordsFile(path string, createdAt time.Time, mode os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, mode)
	if err != nil {
		return nil, err
	}
	var prefix [recordsPrefixSize]byte
	format.Header{Type: format.TypeRecordLog, Version: recordsVersion}.EncodeInto(prefix[:])
	binary.LittleEndian.PutUint64(prefix[format.HeaderSize:], uint64(createdAt.UnixNano())) //nolint:gosec // G115: pre-1970 clocks are not supported
	if err := writeAll(f, prefix[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// readRecordsPrefix validates the header of records.log and returns it with
// the unit creation time.
func readRecordsPrefix(path string) (format.Header, time.Time, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return format.Header{}, time.Time{}, err
	}
	defer func() { _ = f.Close() }()

	var prefix [recordsPrefixSize]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return format.Header{}, time.Time{}, format.ErrHeaderTooSmall
	}
	hdr, err := format.DecodeAndValidate(prefix[:], format.TypeRecordLog, recordsVersion)
	if err != nil {
		return format.Header{}, time.Time{}, err
	}
	nanos := int64(binary.LittleEndian.Uint64(prefix[format.HeaderSize:])) //nolint:gosec // G115: written from UnixNano
	return hdr, time.Unix(0, nanos), nil
}

// truncateTornTail cuts records.log back to the end of its last valid frame
// and returns the number of bytes removed. Corrupt frames in the middle of the
// file are left for the reader to skip.
func truncateTornTail(path string) (int64, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	body := data[recordsPrefixSize:]
	end := batch.LastFrameEnd(body)
	torn := int64(len(body) - end)
	if torn == 0 {
		return 0, nil
	}
	if err := os.Truncate(path, int64(recordsPrefixSize+end)); err != nil {
		return 0, err
	}
	return torn, nil
}

// setHeaderFlags ORs flags into the header of the file at path and syncs it.
func setHeaderFlags(path string, flags byte, mode os.FileMode) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, mode)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var buf [format.HeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return err
	}
	hdr, err := format.Decode(buf[:])
	if err != nil {
		return err
	}
	hdr.Flags |= flags
	if _, err := f.WriteAt([]byte{hdr.Flags}, 3); err != nil {
		return err
	}
	return f.Sync()
}

func writeAll(f *os.File, data []byte) error {
	n, err := f.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}
