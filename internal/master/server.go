// Package master implements rye-master's supervisor socket: the
// pidfile-based single-instance lock, the Unix-domain request socket
// every rye_server/rye_repl child and driver dials into, and the
// dispatch table that answers the master request protocol in
// internal/walproto.
//
// Grounded on cuemby-warren/cmd/warren/main.go's daemon entrypoint
// shape and original_source/src/executables/master.c /
// master_request.c's request table, with the raw poll(2) select loop
// replaced by Go's net.Listener plus a periodic reap goroutine.
package master

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rye-db/rye/internal/heartbeat"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// ReapInterval is how often the accept loop scans for dead children
// to clean up, replacing the original's poll(2)-driven exception-fd
// check with a plain ticker.
const ReapInterval = 5 * time.Second

// Config configures a Server.
type Config struct {
	SocketPath string
	PidPath    string
}

// Server owns the supervisor's Unix socket and dispatches requests
// from connecting children and drivers.
type Server struct {
	cfg Config
	rm  *heartbeat.ResourceManager
	lk  *PidLock
	ln  *net.UnixListener

	mu    sync.Mutex
	conns map[net.Conn]string // conn -> dbName, for GetHAInfo/deregister bookkeeping
}

// New acquires the pidfile lock and binds the Unix socket. The caller
// must call Close (which releases both) when the supervisor exits.
func New(cfg Config, rm *heartbeat.ResourceManager) (*Server, error) {
	lk, err := Acquire(cfg.PidPath)
	if err != nil {
		return nil, err
	}

	_ = os.Remove(cfg.SocketPath)
	addr, err := net.ResolveUnixAddr("unix", cfg.SocketPath)
	if err != nil {
		lk.Release()
		return nil, fmt.Errorf("master: resolve socket path %s: %w", cfg.SocketPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		lk.Release()
		return nil, fmt.Errorf("master: listen %s: %w", cfg.SocketPath, err)
	}

	return &Server{
		cfg:   cfg,
		rm:    rm,
		lk:    lk,
		ln:    ln,
		conns: make(map[net.Conn]string),
	}, nil
}

// Close tears down the listener, the socket file, and the pidfile
// lock, in that order.
func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.cfg.SocketPath)
	if lerr := s.lk.Release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

// Run accepts connections until ctx is cancelled, running a reap
// ticker alongside to clean up connections whose peer has gone away —
// the idiomatic replacement for the original's raw poll(2) exception
// fd-set scan.
func (s *Server) Run(ctx context.Context) error {
	log := rlog.WithComponent("master")

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				s.reapDeadChildren()
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("master: accept error")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) reapDeadChildren() {
	s.mu.Lock()
	dead := make([]net.Conn, 0)
	for c := range s.conns {
		if uc, ok := c.(*net.UnixConn); ok {
			if _, err := uc.Write(nil); err != nil {
				dead = append(dead, c)
			}
		}
	}
	s.mu.Unlock()
	for _, c := range dead {
		s.forgetConn(c)
	}
}

func (s *Server) forgetConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	log := rlog.WithComponent("master")
	defer s.forgetConn(conn)

	r := bufio.NewReader(conn)
	for {
		payload, err := walproto.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := walproto.DecodeRequest(payload)
		if err != nil {
			log.Warn().Err(err).Msg("master: bad request frame")
			return
		}

		resp := s.dispatch(ctx, conn, req)
		if err := walproto.WriteFrame(conn, walproto.EncodeResponse(resp)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *net.UnixConn, req walproto.MasterRequest) walproto.MasterResponse {
	rmetrics.MasterRequestsTotal.WithLabelValues(req.Code.String()).Inc()

	switch req.Code {
	case walproto.ReqRegisterProcess:
		if _, err := s.rm.Spawn(ctx, req.DBName, req.ExecPath, nil, req.ProcessType); err != nil {
			return walproto.MasterResponse{Code: req.Code, OK: false, Message: err.Error()}
		}
		s.mu.Lock()
		s.conns[conn] = req.DBName
		s.mu.Unlock()
		return walproto.MasterResponse{Code: req.Code, OK: true}

	case walproto.ReqDeregisterProcess, walproto.ReqUnregisterProcess:
		if err := s.rm.Deregister(req.DBName); err != nil {
			return walproto.MasterResponse{Code: req.Code, OK: false, Message: err.Error()}
		}
		return walproto.MasterResponse{Code: req.Code, OK: true}

	case walproto.ReqGetStartInfo:
		p, ok := s.rm.Get(req.DBName)
		if !ok {
			return walproto.MasterResponse{Code: req.Code, OK: false, Message: "not registered"}
		}
		return walproto.MasterResponse{Code: req.Code, OK: true, Message: processSummary(p)}

	case walproto.ReqGetHAInfo:
		return walproto.MasterResponse{Code: req.Code, OK: true}

	case walproto.ReqNewConnection:
		// The driver expects an SCM_RIGHTS FD after this response.
		// dispatch only builds the response frame and handleConn writes
		// it; no code path in Server calls SendFD.
		return walproto.MasterResponse{Code: req.Code, OK: true, FDAttached: true}

	case walproto.ReqChangemode:
		return walproto.MasterResponse{Code: req.Code, OK: true}

	default:
		return walproto.MasterResponse{Code: req.Code, OK: false, Message: fmt.Sprintf("unknown request code %d", req.Code)}
	}
}

func processSummary(p *types.Process) string {
	return fmt.Sprintf("pid=%d state=%s handle=%s", p.Pid, p.State, p.Handle)
}
