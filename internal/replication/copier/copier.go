// Package copier implements the log copier: the client half of the
// WAL-streaming RPC (internal/walproto) that pulls log pages from an
// upstream source (rye_server, or a rye_repl peer in cascaded
// replication) into the bounded recv queue the writer drains.
//
// Grounded on spec.md §4.7. Page-batch decompression uses
// github.com/klauspost/compress/s2, the pack-wide ecosystem analog to
// the original's per-page LZO framing (aistore, tidb-binlog,
// estuary-flow all reach for klauspost/compress for this exact role).
package copier

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/s2"

	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/replication/rerr"
	"github.com/rye-db/rye/internal/walproto"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// DeadMarker records a master-reported server_state==DEAD transition
// observed mid-stream, so the writer can note the event in its
// progress row per spec.md §4.7 point 4 ("enqueues a marker node so
// the writer can record the event, then reconnects").
type DeadMarker struct {
	ObservedAt time.Time
}

// RecvQueueMaxCount bounds the recv queue depth (HB_RECV_Q_MAX_COUNT
// in spec.md §6); the copier blocks once the writer falls this far
// behind rather than growing memory unboundedly.
const RecvQueueMaxCount = 4096

// Dialer abstracts net.Dial for tests.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures one Copier instance.
type Config struct {
	Addr         string
	Dial         Dialer
	MaxPagesReq  int32
	Compressed   bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) setDefaults() {
	if c.Dial == nil {
		c.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	if c.MaxPagesReq <= 0 {
		c.MaxPagesReq = 32
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 200 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
}

// Copier streams log pages from Config.Addr into RecvQueue.
type Copier struct {
	cfg       Config
	RecvQueue chan *logrec.Page
	// Markers receives a DeadMarker whenever the upstream reports
	// server_state==DEAD; buffered and non-blocking so a slow drainer
	// never stalls the copier's own reconnect.
	Markers chan *DeadMarker

	conn      net.Conn
	reader    *bufio.Reader
	lastError string

	masterFileStatus  atomic.Int32
	masterNxArvNum    atomic.Int32
	masterServerState atomic.Value
}

// New constructs a Copier with its recv queue pre-allocated.
func New(cfg Config) *Copier {
	cfg.setDefaults()
	return &Copier{
		cfg:       cfg,
		RecvQueue: make(chan *logrec.Page, RecvQueueMaxCount),
		Markers:   make(chan *DeadMarker, 16),
	}
}

// MasterStatus returns the most recently reported upstream
// file_status and nxarv_num, the two archive-promotion triggers the
// writer consults per spec.md §4.8 point 3.
func (c *Copier) MasterStatus() (logrec.FileStatus, int32) {
	return logrec.FileStatus(c.masterFileStatus.Load()), c.masterNxArvNum.Load()
}

// MasterServerState returns the most recently reported upstream HA
// server state, mirrored onto the writer's ha_info.server_state.
func (c *Copier) MasterServerState() string {
	v, _ := c.masterServerState.Load().(string)
	return v
}

// connect dials and performs the header handshake, returning the
// upstream's current EOF LSA and page geometry.
func (c *Copier) connect(ctx context.Context) (walproto.WALHeaderResponse, error) {
	conn, err := c.cfg.Dial(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return walproto.WALHeaderResponse{}, fmt.Errorf("copier: dial %s: %w: %w", c.cfg.Addr, err, rerr.ErrTransient)
	}
	reader := bufio.NewReader(conn)

	if err := walproto.WriteFrame(conn, walproto.EncodeWALRequest(walproto.WALRequest{Code: walproto.WALGetLogHeader})); err != nil {
		conn.Close()
		return walproto.WALHeaderResponse{}, fmt.Errorf("copier: send header request: %w: %w", err, rerr.ErrTransient)
	}
	payload, err := walproto.ReadFrame(reader)
	if err != nil {
		conn.Close()
		return walproto.WALHeaderResponse{}, fmt.Errorf("copier: read header response: %w: %w", err, rerr.ErrTransient)
	}
	hdr, err := walproto.DecodeWALHeader(payload)
	if err != nil {
		conn.Close()
		return walproto.WALHeaderResponse{}, fmt.Errorf("copier: decode header: %w: %w", err, rerr.ErrCorrupted)
	}

	c.conn = conn
	c.reader = reader
	return hdr, nil
}

// Run streams pages starting at fromPageID until ctx is cancelled,
// reconnecting with exponential backoff on any transient error.
func (c *Copier) Run(ctx context.Context, fromPageID int64) error {
	log := rlog.WithComponent("copier")
	backoff := c.cfg.ReconnectMin

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.conn == nil {
			if _, err := c.connect(ctx); err != nil {
				log.Warn().Err(err).Msg("copier: connect failed, retrying")
				rmetrics.CopierReconnects.Inc()
				if !sleepCtx(ctx, backoff) {
					return ctx.Err()
				}
				backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
				continue
			}
			backoff = c.cfg.ReconnectMin
		}

		n, err := c.fetchOnce(ctx, fromPageID)
		if err != nil {
			log.Warn().Err(err).Msg("copier: fetch failed, reconnecting")
			c.lastError = err.Error()
			c.closeConn()
			rmetrics.CopierReconnects.Inc()
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
			continue
		}
		c.lastError = ""
		fromPageID += int64(n)
	}
}

// fetchOnce requests the next page batch and returns how far
// fromPageID should advance: 0 when the master reports file_status ==
// synchronized, per spec.md §4.7 point 2 ("the same pageid is
// requested again ... to re-read the tail"), otherwise the number of
// pages received.
func (c *Copier) fetchOnce(ctx context.Context, fromPageID int64) (int, error) {
	req := walproto.WALRequest{
		Code:       walproto.WALGetNextPages,
		FromPageID: fromPageID,
		MaxPages:   c.cfg.MaxPagesReq,
		Compressed: c.cfg.Compressed,
		LastError:  c.lastError,
	}
	if err := walproto.WriteFrame(c.conn, walproto.EncodeWALRequest(req)); err != nil {
		return 0, fmt.Errorf("send page request: %w", err)
	}
	payload, err := walproto.ReadFrame(c.reader)
	if err != nil {
		return 0, fmt.Errorf("read page batch: %w", err)
	}
	batch, err := walproto.DecodeWALPageBatch(payload)
	if err != nil {
		return 0, fmt.Errorf("decode page batch: %w: %w", err, rerr.ErrCorrupted)
	}
	c.masterFileStatus.Store(int32(batch.FileStatus))
	c.masterNxArvNum.Store(batch.NxArvNum)
	c.masterServerState.Store(batch.ServerState)

	if batch.ServerState == walproto.ServerStateDead {
		select {
		case c.Markers <- &DeadMarker{ObservedAt: time.Now()}:
		default:
		}
		return 0, fmt.Errorf("master reports server_state=dead: %w", rerr.ErrTransient)
	}

	data := batch.Data
	if batch.Compressed {
		decoded, err := s2.Decode(nil, batch.Data)
		if err != nil {
			return 0, fmt.Errorf("s2 decompress: %w: %w", err, rerr.ErrCorrupted)
		}
		data = decoded
	}

	expected := int(batch.PageCount) * logrec.PageSize
	if len(data) != expected {
		return 0, fmt.Errorf("page batch size mismatch: got %d want %d: %w", len(data), expected, rerr.ErrCorrupted)
	}

	for i := int32(0); i < batch.PageCount; i++ {
		page := &logrec.Page{PageID: batch.FromPageID + int64(i)}
		copy(page.Data[:], data[int(i)*logrec.PageSize:(int(i)+1)*logrec.PageSize])

		select {
		case c.RecvQueue <- page:
			rmetrics.CopierReceivedPages.Inc()
			rmetrics.RecvQueueDepth.Set(float64(len(c.RecvQueue)))
		case <-ctx.Done():
			return int(i), ctx.Err()
		}
	}

	if batch.FileStatus == logrec.FileStatusSynchronized {
		return 0, nil
	}
	return int(batch.PageCount), nil
}

func (c *Copier) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close releases the upstream connection.
func (c *Copier) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
