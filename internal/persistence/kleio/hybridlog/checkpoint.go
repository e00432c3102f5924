package hybridlog

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	magicCheckpoint int32 = 0x1CDBC013
	checkpointSize        = 4 + 4 + 8 + 8
)

var crc32q = crc32.MakeTable(crc32.Koopman)

// checkpoint closes every write. Checkpoints form a backward linked list through prevpos,
// so finding the last valid one recovers the whole file.
type checkpoint struct {
	magic    int32
	checksum uint32
	prevpos  int64 // real position of prev checkpoint, -1 for the first one
	dpos     int64 // logical size of the log up to this checkpoint
}

func makeCheckpoint(prevpos int64, dpos int64) checkpoint {
	ckpt := checkpoint{
		magic:   magicCheckpoint,
		prevpos: prevpos,
		dpos:    dpos,
	}
	ckpt.checksum = ckpt.calcChecksum()
	return ckpt
}

func (c checkpoint) ChecksumValid() bool {
	return c.magic == magicCheckpoint && c.calcChecksum() == c.checksum
}

func (c checkpoint) calcChecksum() uint32 {
	var b [checkpointSize - 4]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(c.magic))
	binary.LittleEndian.PutUint64(b[4:], uint64(c.prevpos))
	binary.LittleEndian.PutUint64(b[12:], uint64(c.dpos))
	return crc32.Checksum(b[:], crc32q)
}

func (c checkpoint) encode() []byte {
	b := make([]byte, checkpointSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(c.magic))
	binary.LittleEndian.PutUint32(b[4:], c.checksum)
	binary.LittleEndian.PutUint64(b[8:], uint64(c.prevpos))
	binary.LittleEndian.PutUint64(b[16:], uint64(c.dpos))
	return b
}

func decodeCheckpoint(b []byte) checkpoint {
	return checkpoint{
		magic:    int32(binary.LittleEndian.Uint32(b[0:])),
		checksum: binary.LittleEndian.Uint32(b[4:]),
		prevpos:  int64(binary.LittleEndian.Uint64(b[8:])),
		dpos:     int64(binary.LittleEndian.Uint64(b[16:])),
	}
}
