package classfile

import (
	"bytes"
	"encoding/binary"
)

// reader 大端字节读取器，首个错误之后所有读取返回零值
type reader struct {
	data []byte
	off  int
	err  error
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = malformed(r.off, "unexpected end of data (need %d bytes, have %d)", n, len(r.data)-r.off)
		return false
	}
	return true
}

func (r *reader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// bytes 返回拷贝，避免模型与输入缓冲区共享底层数组
func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

// writer 大端字节写入器
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u1(v uint8) {
	w.buf.WriteByte(v)
}

func (w *writer) u2(v uint16) {
	w.buf.WriteByte(byte(v >> 8))
	w.buf.WriteByte(byte(v))
}

func (w *writer) u4(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) raw(b []byte) {
	w.buf.Write(b)
}

func (w *writer) Bytes() []byte {
	return w.buf.Bytes()
}
