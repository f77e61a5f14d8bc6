package walproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// buffer is a tiny big-endian encoder used to build message payloads
// before they're handed to WriteFrame.
type buffer struct {
	buf bytes.Buffer
}

func (w *buffer) Bytes() []byte { return w.buf.Bytes() }

func (w *buffer) putByte(b byte) { w.buf.WriteByte(b) }

func (w *buffer) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *buffer) putInt32(v int32) { w.putUint32(uint32(v)) }

func (w *buffer) putInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *buffer) putTime(t time.Time) { w.putInt64(t.UnixNano()) }

func (w *buffer) putBytes(b []byte) { w.buf.Write(b) }

// cursor is the matching big-endian decoder over a received payload.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor { return &cursor{data: data} }

func (r *cursor) getByte() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmt.Errorf("walproto: truncated byte")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *cursor) getUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("walproto: truncated uint32")
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *cursor) getInt32() (int32, error) {
	v, err := r.getUint32()
	return int32(v), err
}

func (r *cursor) getInt64() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("walproto: truncated int64")
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *cursor) getTime() (time.Time, error) {
	v, err := r.getInt64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, v).UTC(), nil
}

func (r *cursor) getBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("walproto: truncated bytes field (%d)", n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
