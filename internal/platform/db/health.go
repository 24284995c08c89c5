package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool section of the readiness response.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats snapshots pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is one named dependency probe of the readiness endpoint.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
	// Details, when set, adds extra fields to the check's entry.
	Details func() interface{}
}

// PoolCheck probes a Postgres pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:    "database",
		Probe:   pool.Ping,
		Details: func() interface{} { return GetPoolStats(pool) },
	}
}

// ReadinessHandler runs every check with a five second budget and answers
// 503 if any of them fails.
func ReadinessHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]interface{}, len(checks))
		for _, chk := range checks {
			entry := map[string]interface{}{"status": "healthy"}
			if err := chk.Probe(ctx); err != nil {
				status = http.StatusServiceUnavailable
				entry["status"] = "unhealthy"
				entry["error"] = err.Error()
			}
			if chk.Details != nil {
				entry["details"] = chk.Details()
			}
			results[chk.Name] = entry
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status": overall,
			"checks": results,
		})
	}
}
