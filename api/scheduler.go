/*
scheduler.go - Lock retention janitor

PURPOSE:
  Periodically calls Engine.PurgeLocks so xp_locks does not grow without
  bound when a retention window is configured.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Purges once on start, then on every tick
  - Does nothing (and does not start) when retention is disabled
  - Repeated failures are logged, never fatal; the next tick retries

CONFIGURATION:
  - Interval: How often to purge (default: 1 hour, XP_JANITOR_INTERVAL)
  - Retention: set on the engine (XP_LOCK_RETENTION), 0 disables

USAGE:
  janitor := NewLockJanitor(engine, log)
  janitor.Start()
  // ... later
  janitor.Stop()

SEE ALSO:
  - handlers.go: PurgeLocks endpoint (manual run)
  - progression/retention.go: the purge rule
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/xp-engine/logger"
	"github.com/warp/xp-engine/progression"
)

// LockJanitor handles periodic lock garbage collection.
type LockJanitor struct {
	Engine   *progression.Engine
	Interval time.Duration
	Log      *logger.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	statsMu sync.Mutex
	runs    int
	purged  int
}

// NewLockJanitor creates a janitor with the default interval.
func NewLockJanitor(engine *progression.Engine, log *logger.Logger) *LockJanitor {
	if log == nil {
		log = logger.Nop()
	}
	return &LockJanitor{
		Engine:   engine,
		Interval: time.Hour,
		Log:      log,
	}
}

// Start begins the janitor. It reports whether a goroutine was started.
func (j *LockJanitor) Start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Engine.LockRetention() <= 0 {
		j.Log.Info("lock janitor disabled", "reason", "lock retention not configured")
		return false
	}
	if j.ticker != nil {
		return true
	}

	if j.Interval <= 0 {
		j.Interval = time.Hour
	}
	j.stop = make(chan struct{})
	j.ticker = time.NewTicker(j.Interval)
	j.wg.Add(1)
	go j.run(j.ticker, j.stop)

	j.Log.Info("lock janitor started", "interval", j.Interval, "retention", j.Engine.LockRetention())
	return true
}

// Stop stops the janitor and waits for an in-flight purge.
func (j *LockJanitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ticker != nil {
		j.ticker.Stop()
		close(j.stop)
		j.wg.Wait()
		j.ticker = nil
		j.Log.Info("lock janitor stopped")
	}
}

// Stats returns the number of completed runs and locks purged so far.
func (j *LockJanitor) Stats() (runs, purged int) {
	j.statsMu.Lock()
	defer j.statsMu.Unlock()
	return j.runs, j.purged
}

func (j *LockJanitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer j.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	j.purgeOnce(ctx)
	for {
		select {
		case <-ticker.C:
			j.purgeOnce(ctx)
		case <-stop:
			return
		}
	}
}

func (j *LockJanitor) purgeOnce(ctx context.Context) {
	n, err := j.Engine.PurgeLocks(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			j.Log.Error("lock purge failed", "error", err)
		}
		return
	}
	j.record(n)
}

func (j *LockJanitor) record(n int) {
	// Not j.mu: Stop holds it while waiting on wg.
	j.statsMu.Lock()
	defer j.statsMu.Unlock()
	j.runs++
	j.purged += n
}
