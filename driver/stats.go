package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/query"
)

// OpStats holds driver operation statistics.
type OpStats struct {
	// TotalReads is the number of read operations executed.
	TotalReads atomic.Int64
	// TotalWrites is the number of write operations executed.
	TotalWrites atomic.Int64
	// TotalDuration is the total time spent in driver calls.
	TotalDuration atomic.Int64 // nanoseconds
	// SlowOps is the count of operations exceeding the slow threshold.
	SlowOps atomic.Int64
	// Errors is the count of failed operations.
	Errors atomic.Int64
}

// Stats returns a snapshot of the current statistics.
func (s *OpStats) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalReads:    s.TotalReads.Load(),
		TotalWrites:   s.TotalWrites.Load(),
		TotalDuration: time.Duration(s.TotalDuration.Load()),
		SlowOps:       s.SlowOps.Load(),
		Errors:        s.Errors.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *OpStats) Reset() {
	s.TotalReads.Store(0)
	s.TotalWrites.Store(0)
	s.TotalDuration.Store(0)
	s.SlowOps.Store(0)
	s.Errors.Store(0)
}

// StatsSnapshot is a point-in-time snapshot of operation statistics.
type StatsSnapshot struct {
	TotalReads    int64
	TotalWrites   int64
	TotalDuration time.Duration
	SlowOps       int64
	Errors        int64
}

// AvgDuration returns the average operation duration.
func (s StatsSnapshot) AvgDuration() time.Duration {
	total := s.TotalReads + s.TotalWrites
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

// String returns a human-readable summary of the statistics.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf(
		"reads=%d writes=%d duration=%s avg=%s slow=%d errors=%d",
		s.TotalReads, s.TotalWrites, s.TotalDuration, s.AvgDuration(),
		s.SlowOps, s.Errors,
	)
}

// SlowOpHook is called when an operation exceeds the slow threshold.
type SlowOpHook func(ctx context.Context, op, object string, duration time.Duration)

// StatsDriver wraps a Driver with operation statistics collection.
type StatsDriver struct {
	Driver
	stats         *OpStats
	slowThreshold time.Duration
	slowHook      SlowOpHook
	mu            sync.RWMutex
}

// StatsOption configures the StatsDriver.
type StatsOption func(*StatsDriver)

// WithSlowThreshold sets the threshold for slow operation detection.
// Default is 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(s *StatsDriver) {
		s.slowThreshold = d
	}
}

// WithSlowOpHook sets a callback for slow operations.
func WithSlowOpHook(hook SlowOpHook) StatsOption {
	return func(s *StatsDriver) {
		s.slowHook = hook
	}
}

// WithSlowOpLog logs slow operations through the given logger. This is a
// convenience wrapper around WithSlowOpHook.
func WithSlowOpLog(logger *zap.Logger) StatsOption {
	return WithSlowOpHook(func(_ context.Context, op, object string, duration time.Duration) {
		logger.Warn("slow driver operation",
			zap.String("op", op),
			zap.String("object", object),
			zap.Duration("duration", duration),
		)
	})
}

// NewStatsDriver wraps a Driver with statistics collection.
//
//	drv := mem.New()
//	stats := driver.NewStatsDriver(drv,
//	    driver.WithSlowThreshold(200*time.Millisecond),
//	    driver.WithSlowOpLog(logger),
//	)
func NewStatsDriver(drv Driver, opts ...StatsOption) *StatsDriver {
	s := &StatsDriver{
		Driver:        drv,
		stats:         &OpStats{},
		slowThreshold: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpStats returns the underlying counters for reading statistics.
func (d *StatsDriver) OpStats() *OpStats {
	return d.stats
}

// SlowThreshold returns the current slow operation threshold.
func (d *StatsDriver) SlowThreshold() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slowThreshold
}

// SetSlowThreshold updates the slow operation threshold.
func (d *StatsDriver) SetSlowThreshold(threshold time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slowThreshold = threshold
}

func (d *StatsDriver) record(ctx context.Context, op, object string, start time.Time, err error, read bool) {
	duration := time.Since(start)
	if read {
		d.stats.TotalReads.Add(1)
	} else {
		d.stats.TotalWrites.Add(1)
	}
	d.stats.TotalDuration.Add(int64(duration))
	if err != nil {
		d.stats.Errors.Add(1)
	}

	d.mu.RLock()
	threshold := d.slowThreshold
	hook := d.slowHook
	d.mu.RUnlock()

	if duration > threshold {
		d.stats.SlowOps.Add(1)
		if hook != nil {
			hook(ctx, op, object, duration)
		}
	}
}

func (d *StatsDriver) Find(ctx context.Context, object string, q *query.Query, opts *Options) ([]tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.Find(ctx, object, q, opts)
	d.record(ctx, "find", object, start, err, true)
	return out, err
}

func (d *StatsDriver) FindOne(ctx context.Context, object string, q *query.Query, opts *Options) (tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.FindOne(ctx, object, q, opts)
	d.record(ctx, "findOne", object, start, err, true)
	return out, err
}

func (d *StatsDriver) Count(ctx context.Context, object string, q *query.Query, opts *Options) (int64, error) {
	start := time.Now()
	out, err := d.Driver.Count(ctx, object, q, opts)
	d.record(ctx, "count", object, start, err, true)
	return out, err
}

func (d *StatsDriver) Distinct(ctx context.Context, object, field string, q *query.Query, opts *Options) ([]any, error) {
	start := time.Now()
	out, err := d.Driver.Distinct(ctx, object, field, q, opts)
	d.record(ctx, "distinct", object, start, err, true)
	return out, err
}

func (d *StatsDriver) Aggregate(ctx context.Context, object string, q *query.Query, opts *Options) ([]tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.Aggregate(ctx, object, q, opts)
	d.record(ctx, "aggregate", object, start, err, true)
	return out, err
}

func (d *StatsDriver) Create(ctx context.Context, object string, doc tabula.Record, opts *Options) (tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.Create(ctx, object, doc, opts)
	d.record(ctx, "create", object, start, err, false)
	return out, err
}

func (d *StatsDriver) Update(ctx context.Context, object, id string, patch tabula.Record, opts *Options) (tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.Update(ctx, object, id, patch, opts)
	d.record(ctx, "update", object, start, err, false)
	return out, err
}

func (d *StatsDriver) Delete(ctx context.Context, object, id string, opts *Options) (int64, error) {
	start := time.Now()
	out, err := d.Driver.Delete(ctx, object, id, opts)
	d.record(ctx, "delete", object, start, err, false)
	return out, err
}

func (d *StatsDriver) CreateMany(ctx context.Context, object string, docs []tabula.Record, opts *Options) ([]tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.CreateMany(ctx, object, docs, opts)
	d.record(ctx, "createMany", object, start, err, false)
	return out, err
}

func (d *StatsDriver) UpdateMany(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *Options) (int64, error) {
	start := time.Now()
	out, err := d.Driver.UpdateMany(ctx, object, filter, patch, opts)
	d.record(ctx, "updateMany", object, start, err, false)
	return out, err
}

func (d *StatsDriver) DeleteMany(ctx context.Context, object string, filter query.Filter, opts *Options) (int64, error) {
	start := time.Now()
	out, err := d.Driver.DeleteMany(ctx, object, filter, opts)
	d.record(ctx, "deleteMany", object, start, err, false)
	return out, err
}

func (d *StatsDriver) FindOneAndUpdate(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *FindOneAndUpdateOptions) (tabula.Record, error) {
	start := time.Now()
	out, err := d.Driver.FindOneAndUpdate(ctx, object, filter, patch, opts)
	d.record(ctx, "findOneAndUpdate", object, start, err, false)
	return out, err
}

// DebugDriver wraps a Driver with per-operation debug logging.
type DebugDriver struct {
	Driver
	logger *zap.Logger
}

// NewDebugDriver wraps a Driver with debug logging.
func NewDebugDriver(drv Driver, logger *zap.Logger) *DebugDriver {
	return &DebugDriver{Driver: drv, logger: logger}
}

func (d *DebugDriver) logOp(op, object string, fields ...zap.Field) {
	d.logger.Debug("driver "+op,
		append([]zap.Field{zap.String("driver", d.Driver.Name()), zap.String("object", object)}, fields...)...)
}

func (d *DebugDriver) Find(ctx context.Context, object string, q *query.Query, opts *Options) ([]tabula.Record, error) {
	d.logOp("find", object, zap.Stringer("filter", filterOrEmpty(q)))
	return d.Driver.Find(ctx, object, q, opts)
}

func (d *DebugDriver) Create(ctx context.Context, object string, doc tabula.Record, opts *Options) (tabula.Record, error) {
	d.logOp("create", object)
	return d.Driver.Create(ctx, object, doc, opts)
}

func (d *DebugDriver) Update(ctx context.Context, object, id string, patch tabula.Record, opts *Options) (tabula.Record, error) {
	d.logOp("update", object, zap.String("id", id))
	return d.Driver.Update(ctx, object, id, patch, opts)
}

func (d *DebugDriver) Delete(ctx context.Context, object, id string, opts *Options) (int64, error) {
	d.logOp("delete", object, zap.String("id", id))
	return d.Driver.Delete(ctx, object, id, opts)
}

func filterOrEmpty(q *query.Query) fmt.Stringer {
	if q == nil || q.Filters == nil {
		return emptyFilter{}
	}
	return q.Filters
}

type emptyFilter struct{}

func (emptyFilter) String() string { return "<all>" }
