// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"time"
)

// FuncChecker adapts a plain function into a Checker.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewFuncChecker wraps fn under name.
func NewFuncChecker(name string, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string                          { return c.name }
func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// AggregatorChecker pings the aggregator through any reachability probe.
type AggregatorChecker struct {
	ping func(ctx context.Context) error
}

// NewAggregatorChecker builds a checker from a ping function; the client
// supplies one that hits a cheap authenticated endpoint.
func NewAggregatorChecker(ping func(ctx context.Context) error) *AggregatorChecker {
	return &AggregatorChecker{ping: ping}
}

func (c *AggregatorChecker) Name() string { return "aggregator" }

func (c *AggregatorChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "aggregator unreachable"}
	}
	return CheckResult{Status: StatusHealthy, Message: "aggregator reachable"}
}

// SnapshotAgeChecker degrades when the data index snapshot gets stale
// and goes unhealthy when it never loaded at all.
type SnapshotAgeChecker struct {
	lastRefresh func() time.Time
	maxAge      time.Duration
}

// NewSnapshotAgeChecker builds a checker over the index's last full
// refresh timestamp.
func NewSnapshotAgeChecker(lastRefresh func() time.Time, maxAge time.Duration) *SnapshotAgeChecker {
	return &SnapshotAgeChecker{lastRefresh: lastRefresh, maxAge: maxAge}
}

func (c *SnapshotAgeChecker) Name() string { return "data_index" }

func (c *SnapshotAgeChecker) Check(_ context.Context) CheckResult {
	last := c.lastRefresh()
	if last.IsZero() {
		return CheckResult{Status: StatusUnhealthy, Message: "no snapshot loaded yet"}
	}
	age := time.Since(last)
	if age > c.maxAge {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("snapshot is %s old (max %s)", age.Round(time.Second), c.maxAge),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "snapshot fresh"}
}

// WorkerChecker reports whether a long-lived worker goroutine still runs.
type WorkerChecker struct {
	name    string
	running func() bool
}

// NewWorkerChecker builds a checker over a worker's running flag.
func NewWorkerChecker(name string, running func() bool) *WorkerChecker {
	return &WorkerChecker{name: name, running: running}
}

func (c *WorkerChecker) Name() string { return c.name }

func (c *WorkerChecker) Check(_ context.Context) CheckResult {
	if !c.running() {
		return CheckResult{Status: StatusUnhealthy, Message: "worker not running"}
	}
	return CheckResult{Status: StatusHealthy, Message: "worker running"}
}
