package acsvm

import "encoding/binary"

// bcBuilder assembles little-endian bytecode buffers for loader tests,
// mirroring the on-disk layouts described in the component design
// rather than exercising a real ACS compiler.
type bcBuilder struct {
	buf []byte
}

func (b *bcBuilder) bytes() []byte { return b.buf }
func (b *bcBuilder) len() int      { return len(b.buf) }

func (b *bcBuilder) u8(v byte) *bcBuilder {
	b.buf = append(b.buf, v)
	return b
}

func (b *bcBuilder) u32(v uint32) *bcBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *bcBuilder) raw(p []byte) *bcBuilder {
	b.buf = append(b.buf, p...)
	return b
}

func (b *bcBuilder) cstr(s string) *bcBuilder {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

// chunk appends a (id, length, payload) ACSE chunk record.
func (b *bcBuilder) chunk(id string, payload []byte) *bcBuilder {
	b.buf = append(b.buf, id...)
	b.u32(uint32(len(payload)))
	b.buf = append(b.buf, payload...)
	return b
}
