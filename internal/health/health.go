// Package health implements the read-service health probe. The probe pings
// the stores, caches the verdict in a redis hash with a TTL, and serves
// reads from that cache so callers never touch the stores directly.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"memsci/internal/graph"
	"memsci/internal/logging"
	"memsci/internal/relational"
)

// Key is the redis hash the probe writes.
const Key = "memsci:health:read_service"

// Status values reported by the probe.
const (
	StatusSuccess = "Success"
	StatusFail    = "Fail"
	StatusUnknown = "unknown"
	StatusWarning = "warning"
)

// Report is the probe verdict.
type Report struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
	Code   int    `json:"code"`
	Error  string `json:"error,omitempty"`
	Time   string `json:"time"`

	DatabasePool relational.PoolStats `json:"database_pool"`
}

// Probe checks store connectivity and caches the result.
type Probe struct {
	redis *redis.Client
	rel   *relational.Store
	graph *graph.Store
	ttl   time.Duration
}

// NewProbe creates a health Probe. rel and graph may be nil; their checks
// are then skipped.
func NewProbe(rdb *redis.Client, rel *relational.Store, graph *graph.Store, ttl time.Duration) *Probe {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Probe{redis: rdb, rel: rel, graph: graph, ttl: ttl}
}

// Check probes the stores and refreshes the cached hash.
func (p *Probe) Check(ctx context.Context) Report {
	report := Report{
		Status: StatusSuccess,
		Msg:    "read service healthy",
		Code:   200,
		Time:   time.Now().UTC().Format(time.RFC3339),
	}

	if p.rel != nil {
		if err := p.rel.Ping(ctx); err != nil {
			report.Status = StatusFail
			report.Msg = "relational store unreachable"
			report.Code = 503
			report.Error = err.Error()
		} else {
			report.DatabasePool = p.rel.PoolStats()
			if report.DatabasePool.Alert {
				report.Status = StatusWarning
				report.Msg = fmt.Sprintf("database pool at %.1f%%", report.DatabasePool.UsagePercent)
			}
		}
	}

	if p.graph != nil && report.Status != StatusFail {
		if _, err := p.graph.CountNodes(ctx, "health-probe"); err != nil {
			report.Status = StatusFail
			report.Msg = "graph store unreachable"
			report.Code = 503
			report.Error = err.Error()
		}
	}

	p.cache(ctx, report)
	if report.Status != StatusSuccess {
		logging.Get(logging.CategoryHealth).Warn("Health check: status=%s msg=%s err=%s",
			report.Status, report.Msg, report.Error)
	}
	return report
}

// cache writes the verdict hash with TTL. A redis failure only loses
// caching, never the check result.
func (p *Probe) cache(ctx context.Context, report Report) {
	if p.redis == nil {
		return
	}
	fields := map[string]interface{}{
		"status": report.Status,
		"msg":    report.Msg,
		"code":   report.Code,
		"error":  report.Error,
		"time":   report.Time,
	}
	pipe := p.redis.TxPipeline()
	pipe.HSet(ctx, Key, fields)
	pipe.Expire(ctx, Key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Get(logging.CategoryHealth).Warn("Health cache write failed: %v", err)
	}
}

// Cached returns the last cached verdict. An expired or missing key reports
// unknown status.
func (p *Probe) Cached(ctx context.Context) Report {
	if p.redis == nil {
		return Report{Status: StatusUnknown, Msg: "no health cache configured"}
	}
	values, err := p.redis.HGetAll(ctx, Key).Result()
	if err != nil || len(values) == 0 {
		return Report{Status: StatusUnknown, Msg: "health cache empty or expired"}
	}
	report := Report{
		Status: values["status"],
		Msg:    values["msg"],
		Error:  values["error"],
		Time:   values["time"],
	}
	fmt.Sscanf(values["code"], "%d", &report.Code)
	if p.rel != nil {
		report.DatabasePool = p.rel.PoolStats()
	}
	return report
}
