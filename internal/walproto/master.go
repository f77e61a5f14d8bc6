package walproto

import (
	"fmt"

	"github.com/rye-db/rye/internal/types"
)

// MasterRequestCode enumerates the request table rye_master dispatches
// client connections through, per spec.md §6.
type MasterRequestCode int32

const (
	ReqGetStartInfo MasterRequestCode = iota
	ReqRegisterProcess
	ReqDeregisterProcess
	ReqUnregisterProcess
	ReqAckGetConn
	ReqNewConnection
	ReqGetHAInfo
	ReqChangemode
)

// MasterRequest is the decoded shape of a request frame received on
// the master's Unix-domain socket.
type MasterRequest struct {
	Code        MasterRequestCode
	PID         int32
	ProcessType types.ProcessType
	ExecPath    string
	DBName      string
}

// MasterResponse is the decoded shape of the matching reply frame.
type MasterResponse struct {
	Code    MasterRequestCode
	OK      bool
	Message string
	// FDAttached is true when the caller must additionally read an
	// SCM_RIGHTS ancillary message off the same socket (ReqNewConnection).
	FDAttached bool
}

// EncodeRequest serializes a MasterRequest for WriteFrame.
func EncodeRequest(req MasterRequest) []byte {
	w := &buffer{}
	w.putInt32(int32(req.Code))
	w.putInt32(req.PID)
	w.putInt32(int32(req.ProcessType))
	putString(w, req.ExecPath)
	putString(w, req.DBName)
	return w.Bytes()
}

// DecodeRequest parses a payload produced by EncodeRequest.
func DecodeRequest(data []byte) (MasterRequest, error) {
	r := newCursor(data)
	code, err := r.getInt32()
	if err != nil {
		return MasterRequest{}, err
	}
	pid, err := r.getInt32()
	if err != nil {
		return MasterRequest{}, err
	}
	ptype, err := r.getInt32()
	if err != nil {
		return MasterRequest{}, err
	}
	exec, err := getString(r)
	if err != nil {
		return MasterRequest{}, err
	}
	db, err := getString(r)
	if err != nil {
		return MasterRequest{}, err
	}
	return MasterRequest{
		Code:        MasterRequestCode(code),
		PID:         pid,
		ProcessType: types.ProcessType(ptype),
		ExecPath:    exec,
		DBName:      db,
	}, nil
}

// EncodeResponse serializes a MasterResponse for WriteFrame.
func EncodeResponse(resp MasterResponse) []byte {
	w := &buffer{}
	w.putInt32(int32(resp.Code))
	if resp.OK {
		w.putByte(1)
	} else {
		w.putByte(0)
	}
	putString(w, resp.Message)
	if resp.FDAttached {
		w.putByte(1)
	} else {
		w.putByte(0)
	}
	return w.Bytes()
}

// DecodeResponse parses a payload produced by EncodeResponse.
func DecodeResponse(data []byte) (MasterResponse, error) {
	r := newCursor(data)
	code, err := r.getInt32()
	if err != nil {
		return MasterResponse{}, err
	}
	okByte, err := r.getByte()
	if err != nil {
		return MasterResponse{}, err
	}
	msg, err := getString(r)
	if err != nil {
		return MasterResponse{}, err
	}
	fdByte, err := r.getByte()
	if err != nil {
		return MasterResponse{}, err
	}
	return MasterResponse{
		Code:       MasterRequestCode(code),
		OK:         okByte != 0,
		Message:    msg,
		FDAttached: fdByte != 0,
	}, nil
}

func (c MasterRequestCode) String() string {
	switch c {
	case ReqGetStartInfo:
		return "GET_START_INFO"
	case ReqRegisterProcess:
		return "REGISTER_PROCESS"
	case ReqDeregisterProcess:
		return "DEREGISTER_PROCESS"
	case ReqUnregisterProcess:
		return "UNREGISTER_PROCESS"
	case ReqAckGetConn:
		return "ACK_GET_CONN"
	case ReqNewConnection:
		return "NEW_CONNECTION"
	case ReqGetHAInfo:
		return "GET_HA_INFO"
	case ReqChangemode:
		return "CHANGEMODE"
	default:
		return fmt.Sprintf("MasterRequestCode(%d)", int32(c))
	}
}
