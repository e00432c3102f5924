package kleio

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/snowflk/kleiostore/internal/persistence"
)

const (
	maxHeaderNameLength        = 128
	sizeStreamHeader           = 4 + 4 + 8 + maxHeaderNameLength
	magicStreamFile     uint32 = 0x1CDB0455
	magicEventEntry     uint32 = 0x1CDB07CC

	// frame: magic | body length | body | crc32c(body) | body length
	sizeFrameHead     = 4 + 4
	sizeFrameTail     = 4 + 4
	sizeFrameOverhead = sizeFrameHead + sizeFrameTail
	// commit | prepare | event number | flags | timestamp | event id
	sizeBodyFixed = 8 + 8 + 8 + 1 + 8 + 16
	maxBodySize   = 64 * 1024 * 1024

	flagJSON      byte = 1 << 0
	flagTombstone byte = 1 << 1
)

var (
	ByteOrdering = binary.LittleEndian
	crc32c       = crc32.MakeTable(crc32.Castagnoli)
)

type streamFileHeader struct {
	Magic     uint32
	Version   int32
	Timestamp int64
	Name      [maxHeaderNameLength]byte
}

func (h streamFileHeader) encode() []byte {
	b := make([]byte, sizeStreamHeader)
	ByteOrdering.PutUint32(b[0:], h.Magic)
	ByteOrdering.PutUint32(b[4:], uint32(h.Version))
	ByteOrdering.PutUint64(b[8:], uint64(h.Timestamp))
	copy(b[16:], h.Name[:])
	return b
}

func decodeStreamFileHeader(b []byte) streamFileHeader {
	h := streamFileHeader{
		Magic:     ByteOrdering.Uint32(b[0:]),
		Version:   int32(ByteOrdering.Uint32(b[4:])),
		Timestamp: int64(ByteOrdering.Uint64(b[8:])),
	}
	copy(h.Name[:], b[16:sizeStreamHeader])
	return h
}

// encodeRecord frames rec. The position of rec is stored in the body, so a record
// read from a wrong offset is detected even if the bytes there look like a frame.
func encodeRecord(rec persistence.LogRecord) []byte {
	bodySize := sizeBodyFixed +
		varStringSize(rec.StreamID) + varStringSize(rec.EventType) +
		varBytesSize(rec.Data) + varBytesSize(rec.Metadata)
	frame := make([]byte, sizeFrameHead, sizeFrameOverhead+bodySize)
	ByteOrdering.PutUint32(frame[0:], magicEventEntry)
	ByteOrdering.PutUint32(frame[4:], uint32(bodySize))

	var flags byte
	if rec.IsJSON {
		flags |= flagJSON
	}
	if rec.IsDeleteTombstone {
		flags |= flagTombstone
	}
	frame = ByteOrdering.AppendUint64(frame, uint64(rec.Position.CommitPosition))
	frame = ByteOrdering.AppendUint64(frame, uint64(rec.Position.PreparePosition))
	frame = ByteOrdering.AppendUint64(frame, uint64(rec.EventNumber))
	frame = append(frame, flags)
	frame = ByteOrdering.AppendUint64(frame, uint64(rec.Timestamp.UnixNano()))
	frame = append(frame, rec.EventID[:]...)
	frame = binary.AppendUvarint(frame, uint64(len(rec.StreamID)))
	frame = append(frame, rec.StreamID...)
	frame = binary.AppendUvarint(frame, uint64(len(rec.EventType)))
	frame = append(frame, rec.EventType...)
	frame = binary.AppendUvarint(frame, uint64(len(rec.Data)))
	frame = append(frame, rec.Data...)
	frame = binary.AppendUvarint(frame, uint64(len(rec.Metadata)))
	frame = append(frame, rec.Metadata...)

	body := frame[sizeFrameHead:]
	frame = ByteOrdering.AppendUint32(frame, crc32.Checksum(body, crc32c))
	frame = ByteOrdering.AppendUint32(frame, uint32(bodySize))
	return frame
}

// decodeBody checks the trailer of a frame body and decodes it.
// tail holds the checksum and the repeated length that follow the body.
func decodeBody(body, tail []byte) (persistence.LogRecord, error) {
	if crc32.Checksum(body, crc32c) != ByteOrdering.Uint32(tail[0:]) {
		return persistence.LogRecord{}, errors.Wrap(persistence.ErrCorruptRecord, "checksum mismatch")
	}
	if int(ByteOrdering.Uint32(tail[4:])) != len(body) {
		return persistence.LogRecord{}, errors.Wrap(persistence.ErrCorruptRecord, "frame length mismatch")
	}
	if len(body) < sizeBodyFixed {
		return persistence.LogRecord{}, errors.Wrapf(persistence.ErrCorruptRecord, "body of %d bytes is too short", len(body))
	}
	rec := persistence.LogRecord{
		Position: persistence.NewPosition(
			int64(ByteOrdering.Uint64(body[0:])),
			int64(ByteOrdering.Uint64(body[8:])),
		),
		EventNumber: int64(ByteOrdering.Uint64(body[16:])),
	}
	flags := body[24]
	rec.IsJSON = flags&flagJSON != 0
	rec.IsDeleteTombstone = flags&flagTombstone != 0
	rec.Timestamp = time.Unix(0, int64(ByteOrdering.Uint64(body[25:]))).UTC()
	id, err := uuid.FromBytes(body[33:sizeBodyFixed])
	if err != nil {
		return persistence.LogRecord{}, errors.Wrap(persistence.ErrCorruptRecord, err.Error())
	}
	rec.EventID = id

	r := bodyReader{b: body[sizeBodyFixed:]}
	rec.StreamID = string(r.bytes())
	rec.EventType = string(r.bytes())
	rec.Data = persistence.NilIfEmpty(r.bytes())
	rec.Metadata = persistence.NilIfEmpty(r.bytes())
	if r.err != nil {
		return persistence.LogRecord{}, r.err
	}
	return rec, nil
}

type bodyReader struct {
	b   []byte
	err error
}

func (r *bodyReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	n, sz := binary.Uvarint(r.b)
	if sz <= 0 || n > uint64(len(r.b)-sz) {
		r.err = errors.Wrap(persistence.ErrCorruptRecord, "field length out of bounds")
		return nil
	}
	field := make([]byte, n)
	copy(field, r.b[sz:sz+int(n)])
	r.b = r.b[sz+int(n):]
	return field
}

func varStringSize(s string) int {
	return uvarintSize(uint64(len(s))) + len(s)
}

func varBytesSize(b []byte) int {
	return uvarintSize(uint64(len(b))) + len(b)
}

func uvarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
