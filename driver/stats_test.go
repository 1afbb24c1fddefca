package driver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/driver/mem"
)

func TestStatsDriverCounts(t *testing.T) {
	t.Parallel()
	d := driver.NewStatsDriver(mem.New())
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	created, err := d.Create(ctx, "tasks", tabula.Record{"title": "T"}, nil)
	require.NoError(t, err)
	_, err = d.Find(ctx, "tasks", nil, nil)
	require.NoError(t, err)
	_, err = d.Update(ctx, "tasks", "missing", tabula.Record{"title": "X"}, nil)
	require.Error(t, err)

	snap := d.OpStats().Stats()
	assert.EqualValues(t, 1, snap.TotalReads)
	assert.EqualValues(t, 2, snap.TotalWrites)
	assert.EqualValues(t, 1, snap.Errors)
	assert.Greater(t, snap.TotalDuration, time.Duration(0))
	assert.Greater(t, snap.AvgDuration(), time.Duration(0))
	assert.NotEmpty(t, created.ID())

	d.OpStats().Reset()
	assert.EqualValues(t, 0, d.OpStats().Stats().TotalWrites)
}

func TestStatsDriverSlowHook(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []string
	)
	d := driver.NewStatsDriver(mem.New(),
		driver.WithSlowThreshold(0),
		driver.WithSlowOpHook(func(_ context.Context, op, object string, took time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, op+":"+object)
			assert.Greater(t, took, time.Duration(0))
		}),
	)
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	_, err := d.Create(ctx, "tasks", tabula.Record{"title": "T"}, nil)
	require.NoError(t, err)
	_, err = d.Count(ctx, "tasks", nil, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"create:tasks", "count:tasks"}, seen)
	assert.EqualValues(t, 2, d.OpStats().Stats().SlowOps)
}
