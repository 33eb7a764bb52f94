package backup

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"memlog/pkg/dberrors"
	"memlog/pkg/types"
)

const segmentMagic uint32 = 0x4d4c5347 // "MLSG"

// MaxValueSize bounds one logged value. Larger lengths in a record are
// treated as corruption.
const MaxValueSize = 16 << 20

const (
	flagPrimary uint8 = 1 << iota
	flagDigest
)

// Header describes the replica a segment file holds.
type Header struct {
	Master  types.ServerID
	Segment types.SegmentID
	Primary bool
	// Digest is set on the head segment of a master's log.
	Digest *types.SegmentDigest
}

// Entry is one logged object write.
type Entry struct {
	Table   types.TableID
	KeyHash uint64
	Value   []byte
}

// EncodeSegment serializes a whole segment file.
func EncodeSegment(h Header, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeHeader(w, h); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writeEntry(w, e); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSegment reads a segment file written by EncodeSegment.
func DecodeSegment(r io.Reader) (Header, []Entry, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return Header{}, nil, err
	}
	entries, err := readEntries(br)
	if err != nil {
		return Header{}, nil, err
	}
	return h, entries, nil
}

// EncodeEntries serializes recovery data: a bare run of entries.
func EncodeEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := writeEntry(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeEntries(data []byte) ([]Entry, error) {
	return readEntries(bytes.NewReader(data))
}

func writeHeader(w io.Writer, h Header) error {
	var flags uint8
	if h.Primary {
		flags |= flagPrimary
	}
	if h.Digest != nil {
		flags |= flagDigest
	}
	for _, v := range []any{segmentMagic, uint64(h.Master), uint64(h.Segment), flags} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if h.Digest == nil {
		return nil
	}

	if len(h.Digest.Referenced) > math.MaxUint32 {
		return fmt.Errorf("digest too large: %d", len(h.Digest.Referenced))
	}
	if err := binary.Write(w, binary.LittleEndian, h.Digest.Length); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(h.Digest.Referenced))); err != nil {
		return err
	}
	for _, id := range h.Digest.Referenced {
		if err := binary.Write(w, binary.LittleEndian, uint64(id)); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r io.Reader) (Header, error) {
	var magic uint32
	var master, segment uint64
	var flags uint8
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return Header{}, fmt.Errorf("read segment magic: %w", noEOF(err))
	}
	if magic != segmentMagic {
		return Header{}, fmt.Errorf("not a segment file (magic %#x)", magic)
	}
	for _, v := range []any{&master, &segment, &flags} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return Header{}, fmt.Errorf("read segment header: %w", noEOF(err))
		}
	}

	h := Header{
		Master:  types.ServerID(master),
		Segment: types.SegmentID(segment),
		Primary: flags&flagPrimary != 0,
	}
	if flags&flagDigest == 0 {
		return h, nil
	}

	d := &types.SegmentDigest{Segment: h.Segment}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &d.Length); err != nil {
		return Header{}, fmt.Errorf("read digest: %w", noEOF(err))
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return Header{}, fmt.Errorf("read digest: %w", noEOF(err))
	}
	d.Referenced = make([]types.SegmentID, 0, min(n, 1<<16))
	for range n {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return Header{}, fmt.Errorf("read digest: %w", noEOF(err))
		}
		d.Referenced = append(d.Referenced, types.SegmentID(id))
	}
	h.Digest = d
	return h, nil
}

func writeEntry(w io.Writer, e Entry) error {
	if len(e.Value) > MaxValueSize {
		return fmt.Errorf("value of %d bytes: %w", len(e.Value), dberrors.ErrInvalidArgument)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(e.Table)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.KeyHash); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return err
	}
	_, err := w.Write(e.Value)
	return err
}

// readEntry returns io.EOF only on a clean entry boundary.
func readEntry(r io.Reader) (Entry, error) {
	var table uint64
	if err := binary.Read(r, binary.LittleEndian, &table); err != nil {
		return Entry{}, err
	}

	e := Entry{Table: types.TableID(table)}
	var valueLen uint32
	if err := binary.Read(r, binary.LittleEndian, &e.KeyHash); err != nil {
		return Entry{}, noEOF(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &valueLen); err != nil {
		return Entry{}, noEOF(err)
	}
	if valueLen > MaxValueSize {
		return Entry{}, fmt.Errorf("value of %d bytes exceeds %d: %w", valueLen, MaxValueSize, dberrors.ErrInvalidArgument)
	}
	// grow with the bytes actually read, not with the claimed length
	value := bytes.NewBuffer(make([]byte, 0, min(valueLen, 4096)))
	if _, err := io.CopyN(value, r, int64(valueLen)); err != nil {
		return Entry{}, noEOF(err)
	}
	e.Value = value.Bytes()
	return e, nil
}

func readEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	for {
		e, err := readEntry(r)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

// noEOF turns a clean EOF inside a record into a truncation error.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
