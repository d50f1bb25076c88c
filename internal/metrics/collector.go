package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
)

// StudentCounter is the read side of the student store the collector polls.
type StudentCounter interface {
	CountStudents(ctx context.Context) (int64, error)
	CountSelected(ctx context.Context) (int64, error)
	DepartmentBreakdown(ctx context.Context) (map[string]int64, error)
}

// Collector periodically collects and updates Prometheus metrics
type Collector struct {
	store    StudentCounter
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(store StudentCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the metrics collection loop. It blocks until Stop is called or
// ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Collect runs a single collection pass.
func (c *Collector) Collect(ctx context.Context) {
	c.collectStudentCounts(ctx)
	c.collectDepartments(ctx)
}

func (c *Collector) collectStudentCounts(ctx context.Context) {
	total, err := c.store.CountStudents(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Error counting students", "error", err)
		MetricsCollectionErrors.WithLabelValues("students").Inc()
		StudentsTotal.Set(-1) // Signal stale data
	} else {
		StudentsTotal.Set(float64(total))
	}

	selected, err := c.store.CountSelected(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Error counting selected students", "error", err)
		MetricsCollectionErrors.WithLabelValues("students").Inc()
		StudentsSelected.Set(-1)
	} else {
		StudentsSelected.Set(float64(selected))
	}
}

func (c *Collector) collectDepartments(ctx context.Context) {
	breakdown, err := c.store.DepartmentBreakdown(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Error getting department breakdown", "error", err)
		MetricsCollectionErrors.WithLabelValues("departments").Inc()
		return
	}
	StudentsByDepartment.Reset()
	for dept, n := range breakdown {
		StudentsByDepartment.WithLabelValues(dept).Set(float64(n))
	}
}
