// Package walproto implements rye's three hand-framed binary wire
// protocols: the heartbeat UDP gossip datagram, the master Unix-socket
// request table, and the WAL-streaming RPC between a copier and its
// upstream log source.
//
// spec.md §6 pins exact byte-level framing inherited from
// original_source's raw-socket protocol (fixed header layouts, magic
// numbers, request-code tables); a generic RPC/IDL framework would
// only obscure that contract, so every message here is encoded with
// encoding/binary over net.Conn/net.UDPConn rather than gRPC/protobuf.
// See DESIGN.md for the dropped-dependency rationale.
package walproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameMagic prefixes every TCP-framed message (master socket, WAL
// RPC) so a misaligned reader fails fast instead of silently
// desyncing the stream.
const FrameMagic uint32 = 0x52594531 // "RYE1"

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 64 * 1024 * 1024

// WriteFrame writes one length-prefixed, magic-stamped frame:
// magic(4) | length(4) | payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], FrameMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("walproto: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("walproto: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("walproto: read frame header: %w", err)
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != FrameMagic {
		return nil, fmt.Errorf("walproto: bad frame magic %x", magic)
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("walproto: frame too large (%d bytes)", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("walproto: read frame payload: %w", err)
	}
	return payload, nil
}

func putString(w *buffer, s string) {
	w.putUint32(uint32(len(s)))
	w.putBytes([]byte(s))
}

func getString(r *cursor) (string, error) {
	n, err := r.getUint32()
	if err != nil {
		return "", err
	}
	b, err := r.getBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func putBytesField(w *buffer, b []byte) {
	w.putUint32(uint32(len(b)))
	w.putBytes(b)
}

func getBytesField(r *cursor) ([]byte, error) {
	n, err := r.getUint32()
	if err != nil {
		return nil, err
	}
	return r.getBytes(int(n))
}
