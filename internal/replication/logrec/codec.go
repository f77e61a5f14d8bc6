package logrec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rye-db/rye/internal/types"
)

// ArchiveHeaderMagic identifies a valid archive header page.
const ArchiveHeaderMagic = "RYEARV01"

// EncodeArchiveHeader serializes hdr into a page-sized buffer (the
// archive header occupies all of slot 0 of the archive file), per
// spec.md §8's "its header reports npages = last_arv_lpageid -
// start_pageid + 1" testable property.
func EncodeArchiveHeader(hdr ArchiveHeader) [PageSize]byte {
	var page [PageSize]byte
	e := newEncoder()
	e.putString(ArchiveHeaderMagic)
	e.putTime(hdr.DBCreateTime)
	e.putInt64(hdr.NextTrid)
	e.putInt64(hdr.FPageID)
	e.putInt32(hdr.ArvNum)
	e.putInt64(hdr.NPages)
	copy(page[:], e.bytes())
	return page
}

// DecodeArchiveHeader parses the archive header page written by
// EncodeArchiveHeader.
func DecodeArchiveHeader(data []byte) (ArchiveHeader, error) {
	d := newDecoder(data)
	magic := d.getString()
	if magic != ArchiveHeaderMagic {
		return ArchiveHeader{}, fmt.Errorf("logrec: bad archive header magic %q", magic)
	}
	return ArchiveHeader{
		Magic:        magic,
		DBCreateTime: d.getTime(),
		NextTrid:     d.getInt64(),
		FPageID:      d.getInt64(),
		ArvNum:       d.getInt32(),
		NPages:       d.getInt64(),
	}, nil
}

// HeaderMagic identifies a valid active-log header page (physical
// slot 0, per spec.md §3).
const HeaderMagic = "RYEHDR01"

// EncodeHeader serializes hdr into a page-sized buffer for slot 0 of
// the active volume, including the ha_info subset the copier/analyzer
// read back on restart.
func EncodeHeader(hdr Header) [PageSize]byte {
	var page [PageSize]byte
	e := newEncoder()
	e.putString(HeaderMagic)
	e.putTime(hdr.CreationTime)
	e.putString(hdr.Prefix)
	e.putInt32(hdr.PageSize)
	e.putInt64(hdr.NPages)
	e.putInt64(hdr.FPageID)
	e.putInt32(hdr.NextArchiveSeqNo)
	e.putInt64(hdr.NextArchiveStart)
	e.putInt64(hdr.HA.LastFlushedPageID)
	e.putInt64(hdr.HA.NxArvPageID)
	e.putInt32(hdr.HA.NxArvNum)
	e.putInt32(hdr.HA.LastDeletedArvNum)
	e.putInt32(int32(hdr.HA.FileStatus))
	e.putString(hdr.HA.ServerState)
	e.putString(hdr.HA.PermStatus)
	e.putLSA(hdr.EOFLSA)
	copy(page[:], e.bytes())
	return page
}

// DecodeHeader parses the active-log header page written by
// EncodeHeader.
func DecodeHeader(data []byte) (Header, error) {
	d := newDecoder(data)
	magic := d.getString()
	if magic != HeaderMagic {
		return Header{}, fmt.Errorf("logrec: bad log header magic %q", magic)
	}
	var hdr Header
	hdr.Magic = magic
	hdr.CreationTime = d.getTime()
	hdr.Prefix = d.getString()
	hdr.PageSize = d.getInt32()
	hdr.NPages = d.getInt64()
	hdr.FPageID = d.getInt64()
	hdr.NextArchiveSeqNo = d.getInt32()
	hdr.NextArchiveStart = d.getInt64()
	hdr.HA.LastFlushedPageID = d.getInt64()
	hdr.HA.NxArvPageID = d.getInt64()
	hdr.HA.NxArvNum = d.getInt32()
	hdr.HA.LastDeletedArvNum = d.getInt32()
	hdr.HA.FileStatus = FileStatus(d.getInt32())
	hdr.HA.ServerState = d.getString()
	hdr.HA.PermStatus = d.getString()
	hdr.EOFLSA = d.getLSA()
	return hdr, nil
}

// Record is one on-disk log record: its header plus, for replication
// record types, the logical item it carries.
type Record struct {
	Header RecordHeader
	Item   *Item
}

// padTo rounds n up to the next RecordAlignment boundary.
func padTo(n int) int {
	rem := n % RecordAlignment
	if rem == 0 {
		return n
	}
	return n + (RecordAlignment - rem)
}

// EncodeRecord serializes rec as a length-prefixed, alignment-padded
// byte run: uint32 length | body | padding. A record never spans two
// pages in this implementation (max replication item size is bounded
// well under PageSize), so the analyzer can always decode a whole
// record from the bytes remaining on the current page.
func EncodeRecord(rec Record) []byte {
	body := encodeBody(rec)
	total := padTo(4 + len(body))
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// DecodeRecordAt decodes one record starting at offset within data
// (a page's Data slice), returning the record, the offset of the next
// record, and whether a record was present (false at end-of-records,
// signalled by a zero length prefix).
func DecodeRecordAt(data []byte, offset int) (Record, int, bool) {
	if offset+4 > len(data) {
		return Record{}, offset, false
	}
	length := binary.BigEndian.Uint32(data[offset : offset+4])
	if length == 0 {
		return Record{}, offset, false
	}
	bodyStart := offset + 4
	if bodyStart+int(length) > len(data) {
		return Record{}, offset, false
	}
	rec := decodeBody(data[bodyStart : bodyStart+int(length)])
	next := offset + padTo(4+int(length))
	return rec, next, true
}

func encodeBody(rec Record) []byte {
	w := newEncoder()
	w.putInt32(int32(rec.Header.Type))
	w.putInt64(rec.Header.Trid)
	w.putLSA(rec.Header.PrevTranLSA)
	w.putLSA(rec.Header.PrevLSA)
	w.putLSA(rec.Header.ForwardLSA)

	switch {
	case rec.Item == nil:
		w.putByte(0)
	case rec.Item.Data != nil:
		w.putByte(1)
		d := rec.Item.Data
		w.putInt32(int32(d.RCVIndex))
		w.putInt32(d.GroupID)
		w.putString(d.ClassName)
		w.putBytesField(d.IdxKey)
		w.putBytesField(d.Payload)
		w.putLSA(d.SourceLSA)
	case rec.Item.Schema != nil:
		w.putByte(2)
		s := rec.Item.Schema
		w.putInt32(int32(s.DDLKind))
		w.putString(s.DBUser)
		w.putString(s.QueryText)
		w.putLSA(s.SourceLSA)
	case rec.Item.Catalog != nil:
		w.putByte(3)
		c := rec.Item.Catalog
		w.putString(c.ClassName)
		w.putBytesField(c.IdxKey)
		w.putBytesField(c.Payload)
		w.putInt32(int32(c.Op))
		w.putLSA(c.SourceLSA)
	case rec.Item.HAState != nil:
		w.putByte(4)
		h := rec.Item.HAState
		w.putString(h.ServerState)
		w.putTime(h.ObservedAt)
	default:
		w.putByte(0)
	}
	if rec.Item != nil {
		w.putByte(boolByte(rec.Item.Blocking))
	}
	return w.bytes()
}

func decodeBody(b []byte) Record {
	r := newDecoder(b)
	var rec Record
	rec.Header.Type = RecordType(r.getInt32())
	rec.Header.Trid = r.getInt64()
	rec.Header.PrevTranLSA = r.getLSA()
	rec.Header.PrevLSA = r.getLSA()
	rec.Header.ForwardLSA = r.getLSA()

	kind := r.getByte()
	switch kind {
	case 1:
		item := &Item{Trid: rec.Header.Trid}
		item.Data = &DataItem{
			RCVIndex:  RCVIndex(r.getInt32()),
			GroupID:   r.getInt32(),
			ClassName: r.getString(),
			IdxKey:    r.getBytesField(),
			Payload:   r.getBytesField(),
			SourceLSA: r.getLSA(),
		}
		item.Blocking = r.getByte() != 0
		rec.Item = item
	case 2:
		item := &Item{Trid: rec.Header.Trid}
		item.Schema = &SchemaItem{
			DDLKind:   DDLKind(r.getInt32()),
			DBUser:    r.getString(),
			QueryText: r.getString(),
			SourceLSA: r.getLSA(),
		}
		item.Blocking = r.getByte() != 0
		rec.Item = item
	case 3:
		item := &Item{Trid: rec.Header.Trid}
		item.Catalog = &CatalogItem{
			ClassName: r.getString(),
			IdxKey:    r.getBytesField(),
			Payload:   r.getBytesField(),
			Op:        CopyareaOp(r.getInt32()),
			SourceLSA: r.getLSA(),
		}
		item.Blocking = r.getByte() != 0
		rec.Item = item
	case 4:
		item := &Item{Trid: rec.Header.Trid}
		item.HAState = &HAStateItem{
			ServerState: r.getString(),
			ObservedAt:  r.getTime(),
		}
		item.Blocking = r.getByte() != 0
		rec.Item = item
	}
	return rec
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// --- minimal local big-endian encoder/decoder, mirroring internal/walproto's codec. ---

type encoder struct{ buf []byte }

func newEncoder() *encoder { return &encoder{} }

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) putByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) putInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) putLSA(l types.LSA) {
	e.putInt64(l.PageID)
	e.putInt32(l.Offset)
}

func (e *encoder) putString(s string) {
	e.putInt32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putBytesField(b []byte) {
	e.putInt32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) putTime(t time.Time) { e.putInt64(t.UnixNano()) }

type decoder struct {
	b   []byte
	pos int
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

func (d *decoder) getByte() byte {
	if d.pos >= len(d.b) {
		return 0
	}
	v := d.b[d.pos]
	d.pos++
	return v
}

func (d *decoder) getInt32() int32 {
	if d.pos+4 > len(d.b) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(d.b[d.pos : d.pos+4]))
	d.pos += 4
	return v
}

func (d *decoder) getInt64() int64 {
	if d.pos+8 > len(d.b) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.b[d.pos : d.pos+8]))
	d.pos += 8
	return v
}

func (d *decoder) getLSA() types.LSA {
	return types.LSA{PageID: d.getInt64(), Offset: d.getInt32()}
}

func (d *decoder) getString() string {
	n := int(d.getInt32())
	if n < 0 || d.pos+n > len(d.b) {
		return ""
	}
	s := string(d.b[d.pos : d.pos+n])
	d.pos += n
	return s
}

func (d *decoder) getBytesField() []byte {
	n := int(d.getInt32())
	if n < 0 || d.pos+n > len(d.b) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.b[d.pos:d.pos+n])
	d.pos += n
	return out
}

func (d *decoder) getTime() time.Time { return time.Unix(0, d.getInt64()).UTC() }
