package walproto

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, []byte("world")))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "world", string(second))
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0, 0, 0, 0, 0, 0, 0, 0}))
	_, err := ReadFrame(r)
	require.Error(t, err)
}

func TestHeartbeatDatagramRoundTrip(t *testing.T) {
	d := HBDatagram{
		Kind:     HBElectionNotify,
		SenderIP: "10.0.0.1",
		SentAt:   time.Unix(1700000000, 0).UTC(),
		Nodes: []HBNode{
			{HostIP: "10.0.0.1", Priority: 1, State: types.NodeMaster, Score: 100},
			{HostIP: "10.0.0.2", Priority: 2, State: types.NodeSlave, Score: 80},
		},
	}
	encoded := Encode(d)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, d.Kind, decoded.Kind)
	require.Equal(t, d.SenderIP, decoded.SenderIP)
	require.True(t, d.SentAt.Equal(decoded.SentAt))
	require.Equal(t, d.Nodes, decoded.Nodes)
}

func TestMasterRequestResponseRoundTrip(t *testing.T) {
	req := MasterRequest{
		Code:        ReqNewConnection,
		PID:         4242,
		ProcessType: types.ProcessServer,
		ExecPath:    "/usr/bin/rye_server",
		DBName:      "demodb",
	}
	decoded, err := DecodeRequest(EncodeRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	resp := MasterResponse{Code: ReqNewConnection, OK: true, Message: "ok", FDAttached: true}
	decodedResp, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp, decodedResp)
	require.Equal(t, "NEW_CONNECTION", resp.Code.String())
}

func TestWALRoundTrip(t *testing.T) {
	req := WALRequest{Code: WALGetNextPages, FromPageID: 128, MaxPages: 16, Compressed: true, LastError: "pread: short read"}
	decodedReq, err := DecodeWALRequest(EncodeWALRequest(req))
	require.NoError(t, err)
	require.Equal(t, req, decodedReq)

	batch := WALPageBatch{
		FromPageID:  128,
		PageCount:   2,
		Compressed:  false,
		EOFLSA:      types.LSA{PageID: 130, Offset: 64},
		FileStatus:  logrec.FileStatusSynchronized,
		ServerState: "master",
		NxArvNum:    7,
		Data:        []byte{1, 2, 3, 4, 5},
	}
	decodedBatch, err := DecodeWALPageBatch(EncodeWALPageBatch(batch))
	require.NoError(t, err)
	require.Equal(t, batch, decodedBatch)

	hdr := WALHeaderResponse{
		PageSize:    16384,
		NPages:      1000,
		FPageID:     1,
		EOFLSA:      types.LSA{PageID: 999, Offset: 10},
		FileStatus:  logrec.FileStatusClear,
		ServerState: "master",
	}
	decodedHdr, err := DecodeWALHeader(EncodeWALHeader(hdr))
	require.NoError(t, err)
	require.Equal(t, hdr, decodedHdr)
}
