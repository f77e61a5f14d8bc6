// Package pipeline wires the five replication stages — copier, writer,
// page buffer, analyzer, applier pool — into the single forward-scan
// pipeline spec.md §2 describes. On shutdown every stage observes the
// same cancelled context and returns on its own: stages are not
// stopped in a fixed order, and items still queued on the applier
// lanes are not drained.
//
// Grounded on spec.md §5's shutdown ordering and on this stack's
// goroutine-lifecycle idiom (golang.org/x/sync/errgroup), an indirect
// dependency elsewhere in the module promoted to direct use here.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rye-db/rye/internal/replication/analyzer"
	"github.com/rye-db/rye/internal/replication/applier"
	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/copier"
	"github.com/rye-db/rye/internal/replication/dbclient"
	"github.com/rye-db/rye/internal/replication/logpage"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/replication/writer"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/pkg/rlog"
)

// Config configures one replicated database's full pipeline.
type Config struct {
	DBName string
	HostIP string

	MasterAddr string
	Dial       copier.Dialer
	Compressed bool

	ActivePath string
	ArchiveDir string
	NPages     int64
	FPageID    int64

	PageBufferCapacity int
	NShardLanes        int
	LaneBuffer         int

	Store  catalog.Store
	Client dbclient.Client
}

func (c *Config) setDefaults() {
	if c.PageBufferCapacity < 1 {
		c.PageBufferCapacity = 64
	}
}

// Pipeline owns every stage for one replicated database.
type Pipeline struct {
	cfg Config

	Copier   *copier.Copier
	Writer   *writer.Writer
	Cache    *logpage.Cache
	Analyzer *analyzer.Analyzer
	Appliers *applier.Pool
}

// New constructs every stage, wiring the applier pool directly onto
// the analyzer's lane channels.
func New(cfg Config) (*Pipeline, error) {
	cfg.setDefaults()

	w, err := writer.Open(writer.Config{
		ActivePath: cfg.ActivePath,
		ArchiveDir: cfg.ArchiveDir,
		NPages:     cfg.NPages,
		FPageID:    cfg.FPageID,
		DBName:     cfg.DBName,
		Store:      cfg.Store,
		HostIP:     cfg.HostIP,
	})
	if err != nil {
		return nil, err
	}

	cp := copier.New(copier.Config{
		Addr:       cfg.MasterAddr,
		Dial:       cfg.Dial,
		Compressed: cfg.Compressed,
	})

	cache := logpage.New(cfg.PageBufferCapacity, w)

	az := analyzer.New(analyzer.Config{
		NShardLanes:   cfg.NShardLanes,
		LaneBuffer:    cfg.LaneBuffer,
		Store:         cfg.Store,
		HostIP:        cfg.HostIP,
		OnRoleChanged: func() { rlog.WithDB(cfg.DBName).Warn().Msg("pipeline: master role changed, releasing db lock") },
	})

	laneChannels := make([]<-chan *logrec.Item, len(az.Lanes))
	for i, lane := range az.Lanes {
		laneChannels[i] = lane.Items
	}
	pool := applier.NewPool(laneChannels, cfg.Client, cfg.Store, cfg.HostIP)

	return &Pipeline{cfg: cfg, Copier: cp, Writer: w, Cache: cache, Analyzer: az, Appliers: pool}, nil
}

// Run starts every stage and blocks until ctx is cancelled or a stage
// fails. All stages run in one errgroup under a shared context, so
// cancellation (or the first stage error) stops them concurrently, in
// no fixed order; applier lanes return without draining their
// channels.
func (p *Pipeline) Run(ctx context.Context) error {
	log := rlog.WithDB(p.cfg.DBName)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return p.Appliers.Run(ctx) })
	eg.Go(func() error { return p.scanLoop(ctx) })
	eg.Go(func() error { return p.drainLoop(ctx) })
	eg.Go(func() error { return p.markerLoop(ctx) })
	eg.Go(func() error { return p.Copier.Run(ctx, p.Writer.FlushedPageID()+1) })

	err := eg.Wait()
	log.Info().Msg("pipeline stopped")
	if err != nil && err != context.Canceled {
		return fmt.Errorf("pipeline %s: %w", p.cfg.DBName, err)
	}
	return nil
}

// drainLoop pulls received pages off the copier's queue and commits
// them through the writer, the dual-write durability stage between
// the network and the page buffer. Before each write it mirrors the
// copier's most recently observed upstream file_status/nxarv_num/
// server_state onto the writer, so archive promotion and ha_info
// tracking react to the master's reported state rather than a purely
// local page count, per spec.md §4.8 point 3.
func (p *Pipeline) drainLoop(ctx context.Context) error {
	for {
		select {
		case page, ok := <-p.Copier.RecvQueue:
			if !ok {
				return nil
			}
			fileStatus, nxArvNum := p.Copier.MasterStatus()
			p.Writer.SetMasterStatus(fileStatus, nxArvNum)
			if state := p.Copier.MasterServerState(); state != "" {
				if err := p.Writer.SetServerState(state); err != nil {
					rlog.WithDB(p.cfg.DBName).Warn().Err(err).Msg("pipeline: persist master server state")
				}
			}
			if err := p.Writer.WritePage(page); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// markerLoop drains dead-master markers the copier raises on
// server_state==DEAD observations, recording each one through the
// writer, per spec.md §4.7 point 4.
func (p *Pipeline) markerLoop(ctx context.Context) error {
	for {
		select {
		case marker, ok := <-p.Copier.Markers:
			if !ok {
				return nil
			}
			if err := p.Writer.NoteUpstreamDead(marker.ObservedAt); err != nil {
				rlog.WithDB(p.cfg.DBName).Warn().Err(err).Msg("pipeline: note upstream dead")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scanLoop walks durably-written pages in LSA order, decoding records
// and feeding them to the analyzer, advancing the analyzer's durable
// progress row every time it crosses a page boundary.
func (p *Pipeline) scanLoop(ctx context.Context) error {
	pageID := p.cfg.FPageID
	offset := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if pageID > p.Writer.FlushedPageID() {
			if !sleepCtx(ctx, 10*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		frame, err := p.Cache.Fix(pageID)
		if err != nil {
			return fmt.Errorf("pipeline: fix page %d: %w", pageID, err)
		}

		for {
			rec, next, ok := logrec.DecodeRecordAt(frame.Page.Data[:], offset)
			if !ok {
				break
			}
			lsa := types.LSA{PageID: pageID, Offset: int32(offset)}
			if err := p.Analyzer.Process(lsa, rec); err != nil {
				p.Cache.Unfix(pageID)
				return err
			}
			offset = next
		}
		p.Cache.Unfix(pageID)

		if err := p.Analyzer.PersistProgress(p.Analyzer.RequiredLSA()); err != nil {
			rlog.WithDB(p.cfg.DBName).Warn().Err(err).Msg("pipeline: persist analyzer progress")
		}
		if err := p.Writer.PersistProgress(p.Analyzer.CurrentLSA()); err != nil {
			rlog.WithDB(p.cfg.DBName).Warn().Err(err).Msg("pipeline: persist writer progress")
		}
		p.Analyzer.PurgeAppliedBelow(p.Appliers.MinCommittedLSA())

		pageID++
		offset = 0
	}
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

// Close closes the writer's active volume and in-progress archive
// segment and returns the writer's close error. The other stages are
// stopped by cancelling the context passed to Run.
func (p *Pipeline) Close() error {
	return p.Writer.Close()
}

// DefaultDialer is copier's plain net.Dial, exported so cmd/rye-repl
// doesn't need to import net itself just to build a Config.
func DefaultDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
