package pipeline

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// RunCycle runs one detection cycle and returns its record. The record always
// has an end time. If ctx is cancelled during the cycle the record is returned
// but not handed to shared state, persistence or the OnCycle hook.
func (o *Orchestrator) RunCycle(ctx context.Context) *models.CycleRecord {
	o.cycleID++
	id := o.cycleID
	query := o.cfg.SearchQueries[int((id-1)%int64(len(o.cfg.SearchQueries)))]

	rec := models.NewCycleRecord(id, query, o.now().UTC())
	o.deps.State.StartCycle(id)
	before := o.callCounts()

	o.runStages(ctx, rec)

	for name, n := range o.callCounts() {
		if d := n - before[name]; d > 0 {
			rec.APICalls[name] += d
		}
	}
	rec.Finish(o.now().UTC())

	if ctx.Err() != nil {
		logger.Info("Cycle %d interrupted, discarding partial results", id)
		return rec
	}

	o.deps.State.RecordCycle(rec)
	if o.deps.Persister != nil {
		if err := o.deps.Persister.SaveCycle(ctx, rec); err != nil {
			logger.Warn("Failed to persist cycle %d: %v", id, err)
		}
	}

	logger.Info("Cycle %d complete in %v: %d new articles, %d opportunities, %d alerts, %d errors",
		id, rec.Duration().Round(time.Millisecond), rec.NewsNew, rec.OpportunitiesDetected,
		rec.AlertsGenerated, len(rec.Errors))

	if o.cfg.OnCycle != nil {
		o.cfg.OnCycle(rec)
	}
	return rec
}

// runStages executes the stages in order. A panic ends the cycle early and is
// recorded instead of propagating.
func (o *Orchestrator) runStages(ctx context.Context, rec *models.CycleRecord) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Cycle %d panicked: %v\n%s", rec.CycleID, r, debug.Stack())
			rec.AddError("Cycle panicked: %v", r)
		}
	}()

	news, err := o.fetchNews(ctx, rec)
	o.stageFailed(rec, StageNews, err)

	markets, prices, err := o.fetchMarkets(ctx, rec)
	o.stageFailed(rec, StageMarkets, err)

	assessments, err := o.assess(ctx, rec, news, markets)
	o.stageFailed(rec, StageAssess, err)

	opps, err := o.detect(rec, assessments, prices)
	o.stageFailed(rec, StageDetect, err)

	_, err = o.publishAlerts(ctx, rec, opps, assessments, news, markets)
	o.stageFailed(rec, StageAlerts, err)
}

func (o *Orchestrator) stageFailed(rec *models.CycleRecord, stage string, err error) {
	if err == nil {
		return
	}
	se := &StageError{Stage: stage, Err: err}
	logger.Error("Cycle %d: %v", rec.CycleID, se)
	rec.AddError("%s", se.Error())
}

func (o *Orchestrator) callCounts() map[string]int64 {
	counts := make(map[string]int64, len(o.deps.Counters))
	for _, c := range o.deps.Counters {
		counts[c.Name()] += c.Calls()
	}
	return counts
}

// Run executes cycles until ctx is cancelled or MaxCycles cycles have run,
// sleeping Interval between cycles. It waits for in-flight notifications
// before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger.Info("Starting detection loop (interval %v, max cycles %d)", o.cfg.Interval, o.cfg.MaxCycles)
	o.deps.State.SetWorkerRunning(true)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		o.heartbeat(hbCtx)
	}()

	defer func() {
		stopHeartbeat()
		<-hbDone
		o.notifyWG.Wait()
		o.deps.State.SetWorkerRunning(false)
		logger.Info("Detection loop stopped after %d cycles", o.cycleID)
	}()

	for n := 1; ; n++ {
		o.runCycleSafely(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if o.cfg.MaxCycles > 0 && n >= o.cfg.MaxCycles {
			logger.Info("Reached max cycles (%d)", o.cfg.MaxCycles)
			return nil
		}

		timer := time.NewTimer(o.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runCycleSafely contains a panic raised outside the stages (recording,
// persistence, the OnCycle hook) so the loop moves on to the next cycle.
func (o *Orchestrator) runCycleSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Cycle %d failed outside its stages: %v\n%s", o.cycleID, r, debug.Stack())
		}
	}()
	o.RunCycle(ctx)
}

// heartbeat keeps the heartbeat file fresh while the loop sleeps or a long
// stage runs.
func (o *Orchestrator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.deps.State.Beat()
		}
	}
}
