package cache

import (
	"context"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
)

// Keys populated by Warm.
const (
	KeyTotalStudents    = "stats:totalStudents"
	KeySelectedStudents = "stats:selectedStudents"
	KeyDepartments      = "stats:departments"

	warmTTL = 60 * time.Second
)

// WarmSource supplies the aggregate counts preloaded at startup.
type WarmSource interface {
	CountStudents(ctx context.Context) (int64, error)
	CountSelected(ctx context.Context) (int64, error)
	DepartmentBreakdown(ctx context.Context) (map[string]int64, error)
}

// Count is the cached shape of a single counter.
type Count struct {
	Count int64 `json:"count"`
}

// Warm preloads the student aggregates. It stops at the first failing query
// and logs it; a cold cache only costs a database round trip.
func (m *Manager) Warm(ctx context.Context, src WarmSource) error {
	total, err := src.CountStudents(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Cache warming failed", "error", err)
		return err
	}
	m.Set(KeyTotalStudents, Count{Count: total}, warmTTL)

	selected, err := src.CountSelected(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Cache warming failed", "error", err)
		return err
	}
	m.Set(KeySelectedStudents, Count{Count: selected}, warmTTL)

	depts, err := src.DepartmentBreakdown(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Cache warming failed", "error", err)
		return err
	}
	m.Set(KeyDepartments, depts, warmTTL)

	logger.InfoContext(ctx, "Cache warmed", "keys", 3)
	return nil
}
