package master

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/heartbeat"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
)

func TestPidLockRejectsSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rye.pid")

	l1, err := Acquire(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(path)
	assert.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestPidLockReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rye.pid")

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	defer l2.Release()
}

func TestServerDispatchesRegisterAndGetStartInfo(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		SocketPath: filepath.Join(dir, "rye.sock"),
		PidPath:    filepath.Join(dir, "rye.pid"),
	}
	rm := heartbeat.NewResourceManager()
	srv, err := New(cfg, rm)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	// give the accept loop a tick to start listening-adjacent goroutines
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", cfg.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	req := walproto.MasterRequest{
		Code:        walproto.ReqRegisterProcess,
		PID:         int32(os.Getpid()),
		ProcessType: types.ProcessReplication,
		ExecPath:    "/bin/true",
		DBName:      "mydb",
	}
	require.NoError(t, walproto.WriteFrame(conn, walproto.EncodeRequest(req)))

	r := bufio.NewReader(conn)
	payload, err := walproto.ReadFrame(r)
	require.NoError(t, err)
	resp, err := walproto.DecodeResponse(payload)
	require.NoError(t, err)
	assert.True(t, resp.OK)

	req2 := walproto.MasterRequest{Code: walproto.ReqGetStartInfo, DBName: "mydb"}
	require.NoError(t, walproto.WriteFrame(conn, walproto.EncodeRequest(req2)))
	payload2, err := walproto.ReadFrame(r)
	require.NoError(t, err)
	resp2, err := walproto.DecodeResponse(payload2)
	require.NoError(t, err)
	assert.True(t, resp2.OK)
	assert.Contains(t, resp2.Message, "state=started")
}

func TestFDPassRoundTrip(t *testing.T) {
	a, b, err := socketpair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	f, err := os.CreateTemp(t.TempDir(), "fdpass")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, SendFD(a, int(f.Fd())))
	recvFD, err := RecvFD(b)
	require.NoError(t, err)
	assert.Greater(t, recvFD, 0)
	unixCloseFD(recvFD)
}
