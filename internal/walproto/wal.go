package walproto

import (
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
)

// WALRequestCode enumerates the WAL-streaming RPC's request table.
type WALRequestCode int32

const (
	WALGetLogHeader WALRequestCode = iota
	WALGetNextPages
	WALHeartbeat
)

// WALRequest is one frame a copier sends to its upstream log source,
// carrying spec.md §6's (first_pageid, last_error, compressed_flag)
// request shape.
type WALRequest struct {
	Code       WALRequestCode
	FromPageID int64
	MaxPages   int32
	// Compressed requests the upstream encode the page batch with s2;
	// set once per connection after the header exchange, per spec.md §6.
	Compressed bool
	// LastError is the copier's most recent local failure, echoed back
	// to the master so it can log a correlated event; empty when the
	// previous request succeeded.
	LastError string
}

// WALPageBatch is the decoded response to WALGetNextPages: zero or
// more consecutive log pages starting at FromPageID, optionally
// s2-compressed as a single block (see internal/replication/copier),
// plus the master's file_status/server_state per spec.md §6's
// GET_NEXT_LOG_PAGES reply shape.
type WALPageBatch struct {
	FromPageID  int64
	PageCount   int32
	Compressed  bool
	EOFLSA      types.LSA
	FileStatus  logrec.FileStatus
	ServerState string
	// NxArvNum is the master's current archive sequence number
	// (ha_info.nxarv_num), one of the two archive-promotion triggers
	// spec.md §4.8 point 3 specifies.
	NxArvNum int32
	Data     []byte // PageCount * logrec.PageSize bytes, or the compressed block
}

// ServerStateDead marks the master-reported server_state value a
// marker node carries when its HA role is DEAD, per spec.md §4.7
// point 4 ("on server_state == DEAD ... enqueues a marker node").
const ServerStateDead = "dead"

// WALHeaderResponse is the decoded response to WALGetLogHeader.
type WALHeaderResponse struct {
	PageSize    int32
	NPages      int64
	FPageID     int64
	EOFLSA      types.LSA
	FileStatus  logrec.FileStatus
	ServerState string
}

func EncodeWALRequest(req WALRequest) []byte {
	w := &buffer{}
	w.putInt32(int32(req.Code))
	w.putInt64(req.FromPageID)
	w.putInt32(req.MaxPages)
	if req.Compressed {
		w.putByte(1)
	} else {
		w.putByte(0)
	}
	putBytesField(w, []byte(req.LastError))
	return w.Bytes()
}

func DecodeWALRequest(data []byte) (WALRequest, error) {
	r := newCursor(data)
	code, err := r.getInt32()
	if err != nil {
		return WALRequest{}, err
	}
	from, err := r.getInt64()
	if err != nil {
		return WALRequest{}, err
	}
	maxPages, err := r.getInt32()
	if err != nil {
		return WALRequest{}, err
	}
	compByte, err := r.getByte()
	if err != nil {
		return WALRequest{}, err
	}
	lastErr, err := getBytesField(r)
	if err != nil {
		return WALRequest{}, err
	}
	return WALRequest{
		Code:       WALRequestCode(code),
		FromPageID: from,
		MaxPages:   maxPages,
		Compressed: compByte != 0,
		LastError:  string(lastErr),
	}, nil
}

func EncodeWALPageBatch(b WALPageBatch) []byte {
	w := &buffer{}
	w.putInt64(b.FromPageID)
	w.putInt32(b.PageCount)
	if b.Compressed {
		w.putByte(1)
	} else {
		w.putByte(0)
	}
	w.putInt64(b.EOFLSA.PageID)
	w.putInt32(b.EOFLSA.Offset)
	w.putInt32(int32(b.FileStatus))
	putBytesField(w, []byte(b.ServerState))
	w.putInt32(b.NxArvNum)
	putBytesField(w, b.Data)
	return w.Bytes()
}

func DecodeWALPageBatch(data []byte) (WALPageBatch, error) {
	r := newCursor(data)
	from, err := r.getInt64()
	if err != nil {
		return WALPageBatch{}, err
	}
	count, err := r.getInt32()
	if err != nil {
		return WALPageBatch{}, err
	}
	compByte, err := r.getByte()
	if err != nil {
		return WALPageBatch{}, err
	}
	lsaPage, err := r.getInt64()
	if err != nil {
		return WALPageBatch{}, err
	}
	lsaOffset, err := r.getInt32()
	if err != nil {
		return WALPageBatch{}, err
	}
	fileStatus, err := r.getInt32()
	if err != nil {
		return WALPageBatch{}, err
	}
	serverState, err := getBytesField(r)
	if err != nil {
		return WALPageBatch{}, err
	}
	nxArvNum, err := r.getInt32()
	if err != nil {
		return WALPageBatch{}, err
	}
	data2, err := getBytesField(r)
	if err != nil {
		return WALPageBatch{}, err
	}
	return WALPageBatch{
		FromPageID:  from,
		PageCount:   count,
		Compressed:  compByte != 0,
		EOFLSA:      types.LSA{PageID: lsaPage, Offset: lsaOffset},
		FileStatus:  logrec.FileStatus(fileStatus),
		ServerState: string(serverState),
		NxArvNum:    nxArvNum,
		Data:        data2,
	}, nil
}

func EncodeWALHeader(h WALHeaderResponse) []byte {
	w := &buffer{}
	w.putInt32(h.PageSize)
	w.putInt64(h.NPages)
	w.putInt64(h.FPageID)
	w.putInt64(h.EOFLSA.PageID)
	w.putInt32(h.EOFLSA.Offset)
	w.putInt32(int32(h.FileStatus))
	putBytesField(w, []byte(h.ServerState))
	return w.Bytes()
}

func DecodeWALHeader(data []byte) (WALHeaderResponse, error) {
	r := newCursor(data)
	pageSize, err := r.getInt32()
	if err != nil {
		return WALHeaderResponse{}, err
	}
	npages, err := r.getInt64()
	if err != nil {
		return WALHeaderResponse{}, err
	}
	fpageid, err := r.getInt64()
	if err != nil {
		return WALHeaderResponse{}, err
	}
	lsaPage, err := r.getInt64()
	if err != nil {
		return WALHeaderResponse{}, err
	}
	lsaOffset, err := r.getInt32()
	if err != nil {
		return WALHeaderResponse{}, err
	}
	fileStatus, err := r.getInt32()
	if err != nil {
		return WALHeaderResponse{}, err
	}
	serverState, err := getBytesField(r)
	if err != nil {
		return WALHeaderResponse{}, err
	}
	return WALHeaderResponse{
		PageSize:    pageSize,
		NPages:      npages,
		FPageID:     fpageid,
		EOFLSA:      types.LSA{PageID: lsaPage, Offset: lsaOffset},
		FileStatus:  logrec.FileStatus(fileStatus),
		ServerState: string(serverState),
	}, nil
}
