// Package dbclient is the applier's replay target interface: the
// thin client each lane uses to apply a replication item against the
// destination database.
//
// Grounded on cuemby-warren/pkg/client's thin gRPC client wrapper
// pattern — one small interface, a real implementation elsewhere
// (out of CORE scope: the SQL engine client protocol is explicitly a
// Non-goal), and a fake in-memory implementation here for tests.
package dbclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/replication/rerr"
)

// Client is the applier's view of the destination database.
type Client interface {
	ApplyData(ctx context.Context, item *logrec.DataItem) error
	ApplySchema(ctx context.Context, item *logrec.SchemaItem) error
	ApplyCatalog(ctx context.Context, item *logrec.CatalogItem) error
}

// IsTransient reports whether err should be retried rather than
// surfaced, per spec.md §7's transient/corruption/resource-exhaustion
// error kinds.
func IsTransient(err error) bool {
	return errors.Is(err, rerr.ErrTransient)
}

// Fake is an in-memory Client recording every applied item, keyed by
// class name, for use in applier and scenario tests.
type Fake struct {
	Rows     map[string]map[string][]byte // class -> idxKey(string) -> payload
	Schemas  []*logrec.SchemaItem
	Catalogs []*logrec.CatalogItem

	// FailNext, when >0, makes the next N ApplyData calls return a
	// transient error, exercising the retry path.
	FailNext int
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{Rows: make(map[string]map[string][]byte)}
}

func (f *Fake) ApplyData(ctx context.Context, item *logrec.DataItem) error {
	if f.FailNext > 0 {
		f.FailNext--
		return fmt.Errorf("fake transient failure: %w", rerr.ErrTransient)
	}
	rows, ok := f.Rows[item.ClassName]
	if !ok {
		rows = make(map[string][]byte)
		f.Rows[item.ClassName] = rows
	}
	switch item.RCVIndex {
	case logrec.RCVDelete:
		delete(rows, string(item.IdxKey))
	default:
		rows[string(item.IdxKey)] = item.Payload
	}
	return nil
}

func (f *Fake) ApplySchema(ctx context.Context, item *logrec.SchemaItem) error {
	f.Schemas = append(f.Schemas, item)
	return nil
}

func (f *Fake) ApplyCatalog(ctx context.Context, item *logrec.CatalogItem) error {
	f.Catalogs = append(f.Catalogs, item)
	return nil
}

var _ Client = (*Fake)(nil)
