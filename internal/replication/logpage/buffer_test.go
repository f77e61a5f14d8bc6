package logpage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/replication/logrec"
)

type fakeSource struct {
	reads int
}

func (s *fakeSource) ReadPage(pageID int64) (*logrec.Page, error) {
	s.reads++
	return &logrec.Page{PageID: pageID}, nil
}

type erroringSource struct{}

func (erroringSource) ReadPage(pageID int64) (*logrec.Page, error) {
	return nil, fmt.Errorf("disk error")
}

func TestFixUnfixCachesAcrossCalls(t *testing.T) {
	src := &fakeSource{}
	c := New(4, src)

	f1, err := c.Fix(10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), f1.Page.PageID)
	c.Unfix(10)

	f2, err := c.Fix(10)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, src.reads)
	c.Unfix(10)
}

func TestEvictionSparesFixedPages(t *testing.T) {
	src := &fakeSource{}
	c := New(2, src)

	_, err := c.Fix(1)
	require.NoError(t, err)
	_, err = c.Fix(2)
	require.NoError(t, err)

	// Both pages are still pinned; a third fix must fail rather than
	// evict a pinned frame.
	_, err = c.Fix(3)
	assert.Error(t, err)

	c.Unfix(1)
	_, err = c.Fix(3)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestDecacheRangeSkipsFixedPages(t *testing.T) {
	src := &fakeSource{}
	c := New(4, src)

	_, err := c.Fix(100)
	require.NoError(t, err)
	_, err = c.Fix(101)
	require.NoError(t, err)
	c.Unfix(101)

	dropped := c.DecacheRange(100, 102)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, c.Len())
}

func TestFixPropagatesSourceError(t *testing.T) {
	c := New(1, erroringSource{})
	_, err := c.Fix(1)
	assert.Error(t, err)
}

func TestScratchPoolReturnsPageSizedBuffer(t *testing.T) {
	buf := GetScratch()
	defer PutScratch(buf)
	assert.Equal(t, logrec.PageSize, len(*buf))
}
