// Package deltalog encodes a sealed segment's tombstones into a
// self-describing binary blob. The payload is lz4 block-compressed when
// that wins and carried with a CRC so a torn or corrupted object is
// rejected on read instead of silently dropping deletes.
//
// Layout: [Magic:4][Version:2][Flags:2][CRC32C:4][RawLen:4][BodyLen:4][Body].
// Body holds [Count:4] followed by one record per tombstone:
// [PKType:1][Int64:8 | StrLen:4+Str][Ts:8], little endian.
package deltalog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/strata/model"
)

var (
	magic = [4]byte{'S', 'D', 'L', '1'}

	ErrBadMagic    = errors.New("deltalog: invalid magic")
	ErrBadVersion  = errors.New("deltalog: unsupported version")
	ErrBadChecksum = errors.New("deltalog: checksum mismatch")
	ErrCorrupt     = errors.New("deltalog: corrupt payload")
)

const (
	version = uint16(1)

	flagLZ4 = uint16(1)

	headerLen = 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Write encodes entries to w.
func Write(w io.Writer, entries []model.Tombstone) error {
	raw := encodeBody(entries)

	flags := uint16(0)
	body := raw
	comp := make([]byte, lz4.CompressBlockBound(len(raw)))
	if n, err := lz4.CompressBlock(raw, comp, nil); err == nil && n > 0 && n < len(raw) {
		flags = flagLZ4
		body = comp[:n]
	}

	hdr := make([]byte, headerLen)
	copy(hdr[0:4], magic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], version)
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	binary.LittleEndian.PutUint32(hdr[8:12], crc32.Checksum(raw, crcTable))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(body)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("deltalog: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("deltalog: write body: %w", err)
	}
	return nil
}

// Read decodes a delta log written by Write.
func Read(r io.Reader) ([]model.Tombstone, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("deltalog: read header: %w", err)
	}
	if !bytes.Equal(hdr[0:4], magic[:]) {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	flags := binary.LittleEndian.Uint16(hdr[6:8])
	sum := binary.LittleEndian.Uint32(hdr[8:12])
	rawLen := binary.LittleEndian.Uint32(hdr[12:16])
	bodyLen := binary.LittleEndian.Uint32(hdr[16:20])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("deltalog: read body: %w", err)
	}

	raw := body
	if flags&flagLZ4 != 0 {
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		raw = raw[:n]
	}
	if uint32(len(raw)) != rawLen {
		return nil, fmt.Errorf("%w: raw length %d, want %d", ErrCorrupt, len(raw), rawLen)
	}
	if crc32.Checksum(raw, crcTable) != sum {
		return nil, ErrBadChecksum
	}
	return decodeBody(raw)
}

func encodeBody(entries []model.Tombstone) []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(entries)))
	buf.Write(scratch[:4])

	for _, e := range entries {
		buf.WriteByte(byte(e.PK.Type()))
		if e.PK.Type() == model.PKVarChar {
			s := e.PK.VarChar()
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(s)))
			buf.Write(scratch[:4])
			buf.WriteString(s)
		} else {
			binary.LittleEndian.PutUint64(scratch[:], uint64(e.PK.Int64()))
			buf.Write(scratch[:])
		}
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.Ts))
		buf.Write(scratch[:])
	}
	return buf.Bytes()
}

func decodeBody(raw []byte) ([]model.Tombstone, error) {
	rd := bytes.NewReader(raw)
	var scratch [8]byte

	if _, err := io.ReadFull(rd, scratch[:4]); err != nil {
		return nil, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(scratch[:4])

	out := make([]model.Tombstone, 0, count)
	for i := uint32(0); i < count; i++ {
		typ, err := rd.ReadByte()
		if err != nil {
			return nil, ErrCorrupt
		}

		var pk model.PrimaryKey
		switch model.PKType(typ) {
		case model.PKInt64:
			if _, err := io.ReadFull(rd, scratch[:]); err != nil {
				return nil, ErrCorrupt
			}
			pk = model.IntKey(int64(binary.LittleEndian.Uint64(scratch[:])))
		case model.PKVarChar:
			if _, err := io.ReadFull(rd, scratch[:4]); err != nil {
				return nil, ErrCorrupt
			}
			n := binary.LittleEndian.Uint32(scratch[:4])
			if uint32(rd.Len()) < n {
				return nil, ErrCorrupt
			}
			s := make([]byte, n)
			if _, err := io.ReadFull(rd, s); err != nil {
				return nil, ErrCorrupt
			}
			pk = model.VarCharKey(string(s))
		default:
			return nil, fmt.Errorf("%w: unknown pk type %d", ErrCorrupt, typ)
		}

		if _, err := io.ReadFull(rd, scratch[:]); err != nil {
			return nil, ErrCorrupt
		}
		out = append(out, model.Tombstone{PK: pk, Ts: model.Timestamp(binary.LittleEndian.Uint64(scratch[:]))})
	}
	return out, nil
}
