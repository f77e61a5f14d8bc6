package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddAndSnapshot(t *testing.T) {
	specs := []Spec{
		{Name: "copier_received_pages", Level: 1, Kind: KindCounter},
		{Name: "recv_queue_depth", Level: 1, Kind: KindGauge},
		{Name: "page_buffer_fixes", Level: 1, Kind: KindCounterWithTime},
	}
	r := NewRegistry(specs, 4)

	r.Add("copier_received_pages", 0, 5)
	r.Add("copier_received_pages", 1, 3)
	r.Set("recv_queue_depth", 0, 17)
	r.AddTimed("page_buffer_fixes", 2, 2, 500)

	snap := r.Snapshot()
	require.Len(t, snap, 3)

	byName := map[string]Sample{}
	for _, s := range snap {
		byName[s.Spec.Name] = s
	}

	assert.Equal(t, int64(8), byName["copier_received_pages"].Count)
	assert.Equal(t, int64(17), byName["recv_queue_depth"].Count)
	assert.Equal(t, int64(2), byName["page_buffer_fixes"].Count)
	assert.Equal(t, int64(500), byName["page_buffer_fixes"].Nanos)
}

func TestDiffSubtractsCountersNotGauges(t *testing.T) {
	specs := []Spec{
		{Name: "c", Level: 1, Kind: KindCounter},
		{Name: "g", Level: 1, Kind: KindGauge},
	}
	r := NewRegistry(specs, 1)
	r.Add("c", 0, 10)
	r.Set("g", 0, 99)
	prev := r.Snapshot()

	r.Add("c", 0, 4)
	r.Set("g", 0, 42)
	curr := r.Snapshot()

	diff := Diff(prev, curr)
	byName := map[string]Sample{}
	for _, s := range diff {
		byName[s.Spec.Name] = s
	}

	assert.Equal(t, int64(4), byName["c"].Count)
	assert.Equal(t, int64(42), byName["g"].Count)
}

func TestUnknownPartitionFallsBackToZero(t *testing.T) {
	specs := []Spec{{Name: "c", Level: 1, Kind: KindCounter}}
	r := NewRegistry(specs, 2)
	r.Add("c", 99, 1)
	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap[0].Count)
}
