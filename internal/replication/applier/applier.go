// Package applier implements the applier pool: one goroutine per
// replication lane (DDL plus N shard-keyed lanes, the first of which
// also carries GLOBAL_GROUPID items), each
// replaying committed items against the target database through
// internal/replication/dbclient and persisting its committed_lsa.
//
// Grounded on spec.md §4.11 and cuemby-warren/pkg/worker's fixed-role
// worker loop (channel-driven work, mutex-guarded shared state).
package applier

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/dbclient"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// MaxRetries bounds how many times a lane retries a single item
// before surfacing the error to its caller, per spec.md §7's
// transient-error-is-retryable contract.
const MaxRetries = 5

// Lane is one applier worker: it owns its committed_lsa and applies
// items from Items in order.
type Lane struct {
	Index  int
	Items  <-chan *logrec.Item
	Client dbclient.Client
	Store  catalog.Store
	HostIP string

	mu           sync.Mutex
	committedLSA types.LSA
	appliedCount int64
	retryCount   int64
}

// CommittedLSA returns the lane's durably-applied position.
func (l *Lane) CommittedLSA() types.LSA {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committedLSA
}

// Run applies items from Items until ctx is cancelled or the channel
// closes.
func (l *Lane) Run(ctx context.Context) error {
	log := rlog.WithApplier(l.Index)
	for {
		select {
		case item, ok := <-l.Items:
			if !ok {
				return nil
			}
			if err := l.applyWithRetry(ctx, item); err != nil {
				log.Error().Err(err).Msg("applier: giving up on item after retries")
				return fmt.Errorf("applier lane %d: %w", l.Index, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Lane) applyWithRetry(ctx context.Context, item *logrec.Item) error {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			l.mu.Lock()
			l.retryCount++
			l.mu.Unlock()
			rmetrics.ApplierRetries.WithLabelValues(strconv.Itoa(l.Index)).Inc()
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
		}

		err := l.applyOnce(ctx, item)
		if err == nil {
			return nil
		}
		lastErr = err
		if !dbclient.IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("applier lane %d: exhausted retries: %w", l.Index, lastErr)
}

func (l *Lane) applyOnce(ctx context.Context, item *logrec.Item) error {
	var sourceLSA types.LSA
	var err error

	switch {
	case item.Data != nil:
		sourceLSA = item.Data.SourceLSA
		err = l.Client.ApplyData(ctx, item.Data)
	case item.Schema != nil:
		sourceLSA = item.Schema.SourceLSA
		err = l.Client.ApplySchema(ctx, item.Schema)
	case item.Catalog != nil:
		sourceLSA = item.Catalog.SourceLSA
		err = l.Client.ApplyCatalog(ctx, item.Catalog)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.committedLSA = sourceLSA
	l.appliedCount++
	count := l.appliedCount
	l.mu.Unlock()

	if item.Done != nil {
		close(item.Done)
	}

	rmetrics.ApplierCommittedLSAPage.WithLabelValues(strconv.Itoa(l.Index)).Set(float64(sourceLSA.PageID))
	return l.Store.PutApplierRow(&catalog.ApplierRow{
		HostIP:       l.HostIP,
		ID:           l.Index,
		CommittedLSA: sourceLSA,
		AppliedCount: count,
		RetryCount:   l.retryCount,
		RecordedAt:   time.Now(),
	})
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
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

// Pool owns every applier lane and the analyzer's lane channels they
// drain.
type Pool struct {
	Lanes []*Lane
}

// NewPool builds one Lane per analyzer lane (index-aligned), so lane 0
// is the DDL applier and lanes 1..N are shard appliers, lane 1 also
// applying GLOBAL_GROUPID items.
func NewPool(laneChannels []<-chan *logrec.Item, client dbclient.Client, store catalog.Store, hostIP string) *Pool {
	lanes := make([]*Lane, len(laneChannels))
	for i, ch := range laneChannels {
		lanes[i] = &Lane{Index: i, Items: ch, Client: client, Store: store, HostIP: hostIP}
	}
	return &Pool{Lanes: lanes}
}

// Run starts every lane and blocks until ctx is cancelled or any lane
// returns a non-cancellation error.
func (p *Pool) Run(ctx context.Context) error {
	errs := make(chan error, len(p.Lanes))
	for _, lane := range p.Lanes {
		lane := lane
		go func() { errs <- lane.Run(ctx) }()
	}
	for range p.Lanes {
		if err := <-errs; err != nil && err != context.Canceled {
			return err
		}
	}
	return nil
}

// MinCommittedLSA returns the lowest committed_lsa across every lane,
// the value the analyzer's required_lsa sweep compares against.
func (p *Pool) MinCommittedLSA() types.LSA {
	min := types.NullLSA
	for _, lane := range p.Lanes {
		c := lane.CommittedLSA()
		if min.IsNull() || c.Less(min) {
			min = c
		}
	}
	return min
}
