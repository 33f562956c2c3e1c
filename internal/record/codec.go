package record

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// headerSize is the fixed, non-body portion of the bytes counted by len:
// type(1) + search_index(8) + crc32(4), per spec section 6:
// `len:u32 | type:u8 | search_index:u64 | body:len-13 bytes | crc32:u32`.
const headerSize = 13

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt is returned when a record's CRC does not match its bytes.
var ErrCorrupt = errors.New("record: crc mismatch")

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func decoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// Marshal serializes e into the on-disk record format, including its length
// prefix and crc32 trailer. MemTableSnapshot bodies are zstd-compressed before
// framing; every other kind is written opaque, matching spec's Non-goal of not
// specifying individual insert payload encoding.
func Marshal(e Entry) ([]byte, error) {
	body, err := encodeBody(e)
	if err != nil {
		return nil, errors.Wrap(err, "record: encode body")
	}

	total := headerSize + len(body)
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(e.Kind)
	binary.BigEndian.PutUint64(buf[5:13], e.SearchIndex)
	copy(buf[13:13+len(body)], body)

	crc := crc32.Checksum(buf[4:13+len(body)], crcTable)
	binary.BigEndian.PutUint32(buf[13+len(body):], crc)

	return buf, nil
}

// ReadFrom decodes a single record from r. It returns io.EOF when r is
// exhausted between records. A CRC mismatch or truncated record returns
// ErrCorrupt wrapped with context; callers must stop iterating the file but
// keep whatever entries were already returned, per spec section 4.2.
func ReadFrom(r *bufio.Reader) (Entry, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Entry{}, err // includes io.EOF for a clean end of file
	}
	total := binary.BigEndian.Uint32(lenBuf)
	if total < headerSize {
		return Entry{}, errors.Wrapf(ErrCorrupt, "record length %d below header size", total)
	}

	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Entry{}, errors.Wrap(ErrCorrupt, "truncated record")
	}

	bodyLen := int(total) - headerSize
	crcGot := crc32.Checksum(rest[:9+bodyLen], crcTable)
	crcRecorded := binary.BigEndian.Uint32(rest[9+bodyLen:])
	if crcGot != crcRecorded {
		return Entry{}, ErrCorrupt
	}

	kind := Kind(rest[0])
	searchIndex := binary.BigEndian.Uint64(rest[1:9])
	body := rest[9 : 9+bodyLen]

	e, err := decodeBody(kind, body)
	if err != nil {
		return Entry{}, errors.Wrap(err, "record: decode body")
	}
	e.Kind = kind
	e.SearchIndex = searchIndex
	return e, nil
}

func putString(buf []byte, s string) []byte {
	var lenb [2]byte
	binary.BigEndian.PutUint16(lenb[:], uint16(len(s)))
	buf = append(buf, lenb[:]...)
	buf = append(buf, s...)
	return buf
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New("record: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, errors.New("record: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

func encodeBody(e Entry) ([]byte, error) {
	switch e.Kind {
	case InsertRow:
		buf := putString(nil, e.MemtableID)
		var hint [8]byte
		binary.BigEndian.PutUint64(hint[:], e.SafelyDeletedHint)
		buf = append(buf, hint[:]...)
		buf = append(buf, e.Payload...)
		return buf, nil
	case InsertTablet:
		buf := putString(nil, e.MemtableID)
		var rest [24]byte
		binary.BigEndian.PutUint64(rest[0:8], e.SafelyDeletedHint)
		binary.BigEndian.PutUint64(rest[8:16], uint64(e.TabletStart))
		binary.BigEndian.PutUint64(rest[16:24], uint64(e.TabletEnd))
		buf = append(buf, rest[:]...)
		buf = append(buf, e.Payload...)
		return buf, nil
	case Delete:
		buf := putString(nil, e.MemtableID)
		buf = append(buf, e.Payload...)
		return buf, nil
	case MemTableSnapshot:
		buf := putString(nil, e.MemtableID)
		buf = append(buf, encoder().EncodeAll(e.Payload, nil)...)
		return buf, nil
	case Signal:
		s := e.SignalData
		if s == nil {
			s = &Signal{}
		}
		buf := []byte{byte(s.Kind), 0}
		if s.Wait {
			buf[1] = 1
		}
		buf = putString(buf, s.MemtableID)
		buf = putString(buf, s.TsfilePath)
		var rest [12]byte
		binary.BigEndian.PutUint32(rest[0:4], s.FirstFileVersion)
		binary.BigEndian.PutUint64(rest[4:12], s.Cost)
		buf = append(buf, rest[:]...)
		return buf, nil
	default:
		return nil, errors.Errorf("record: unknown kind %d", e.Kind)
	}
}

func decodeBody(kind Kind, body []byte) (Entry, error) {
	switch kind {
	case InsertRow:
		id, rest, err := takeString(body)
		if err != nil {
			return Entry{}, err
		}
		if len(rest) < 8 {
			return Entry{}, errors.New("record: truncated insert-row body")
		}
		hint := binary.BigEndian.Uint64(rest[:8])
		return Entry{MemtableID: id, SafelyDeletedHint: hint, Payload: append([]byte(nil), rest[8:]...)}, nil
	case InsertTablet:
		id, rest, err := takeString(body)
		if err != nil {
			return Entry{}, err
		}
		if len(rest) < 24 {
			return Entry{}, errors.New("record: truncated insert-tablet body")
		}
		hint := binary.BigEndian.Uint64(rest[0:8])
		start := int64(binary.BigEndian.Uint64(rest[8:16]))
		end := int64(binary.BigEndian.Uint64(rest[16:24]))
		return Entry{
			MemtableID:        id,
			SafelyDeletedHint: hint,
			TabletStart:       start,
			TabletEnd:         end,
			Payload:           append([]byte(nil), rest[24:]...),
		}, nil
	case Delete:
		id, rest, err := takeString(body)
		if err != nil {
			return Entry{}, err
		}
		return Entry{MemtableID: id, Payload: append([]byte(nil), rest...)}, nil
	case MemTableSnapshot:
		id, rest, err := takeString(body)
		if err != nil {
			return Entry{}, err
		}
		payload, err := decoder().DecodeAll(rest, nil)
		if err != nil {
			return Entry{}, errors.Wrap(err, "record: zstd decompress snapshot body")
		}
		return Entry{MemtableID: id, Payload: payload}, nil
	case Signal:
		if len(body) < 2 {
			return Entry{}, errors.New("record: truncated signal body")
		}
		s := &Signal{Kind: SignalKind(body[0]), Wait: body[1] != 0}
		rest := body[2:]
		memtableID, rest, err := takeString(rest)
		if err != nil {
			return Entry{}, err
		}
		tsfilePath, rest, err := takeString(rest)
		if err != nil {
			return Entry{}, err
		}
		if len(rest) < 12 {
			return Entry{}, errors.New("record: truncated signal tail")
		}
		s.MemtableID = memtableID
		s.TsfilePath = tsfilePath
		s.FirstFileVersion = binary.BigEndian.Uint32(rest[0:4])
		s.Cost = binary.BigEndian.Uint64(rest[4:12])
		return Entry{Kind: Signal, SearchIndex: NoSearchIndex, SignalData: s}, nil
	default:
		return Entry{}, errors.Errorf("record: unknown kind %d", kind)
	}
}
