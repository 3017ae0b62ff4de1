// Copyright 2026 The pagestore Authors
// This file is part of the pagestore library.
//
// The pagestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pagestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pagestore library. If not, see <http://www.gnu.org/licenses/>.

package pagestore

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zenithdb/pagestore/common"
)

// shutdownFlag is the process-wide cooperative shutdown signal. Background
// loops and long fan-outs poll it between timelines; in-flight per-timeline
// work is not interrupted.
var shutdownFlag atomic.Bool

// RequestShutdown raises the process-wide shutdown flag.
func RequestShutdown() { shutdownFlag.Store(true) }

// ShutdownRequested reports whether a shutdown has been requested.
func ShutdownRequested() bool { return shutdownFlag.Load() }

// resetShutdown is a test hook.
func resetShutdown() { shutdownFlag.Store(false) }

// startBackgroundLoops launches the tenant's GC and compaction loops, once.
// The loops observe the state watch and exit when the tenant leaves
// Active{background}; a later re-activation starts fresh loops.
func (t *Tenant) startBackgroundLoops() {
	t.loopsMu.Lock()
	defer t.loopsMu.Unlock()
	if t.loopsAlive > 0 {
		return
	}
	t.loopsAlive = 2
	go t.gcLoop()
	go t.compactionLoop()
}

func (t *Tenant) loopDone() {
	t.loopsMu.Lock()
	t.loopsAlive--
	t.loopsMu.Unlock()
}

// gcLoop periodically runs a full GC iteration with the tenant's configured
// horizon and PITR window.
func (t *Tenant) gcLoop() {
	defer t.loopDone()
	log := t.log.With("task", "gc")
	log.Info("background loop started")
	defer log.Info("background loop stopped")

	sub := t.SubscribeStateUpdates()
	defer sub.Unsubscribe()
	for {
		if !t.ShouldRunTasks() || ShutdownRequested() {
			return
		}
		timer := time.NewTimer(t.EffectiveGcPeriod())
		select {
		case state := <-sub.Chan():
			timer.Stop()
			if !state.BackgroundJobsRunning() {
				return
			}
		case <-timer.C:
			var zeroTarget common.TimelineID
			result, err := t.GcIteration(zeroTarget, t.EffectiveGcHorizon(), t.EffectivePitrInterval(), false)
			switch {
			case errors.Is(err, ErrTenantInactive), errors.Is(err, ErrTenantBroken):
				return
			case err != nil:
				log.Error("gc iteration failed", "err", err)
			case result.LayersRemoved > 0:
				log.Info("gc iteration done", "layers_removed", result.LayersRemoved,
					"layers_total", result.LayersTotal, "elapsed", result.Elapsed.String())
			}
		}
	}
}

// compactionLoop periodically flushes timelines that crossed the checkpoint
// distance or went idle past the checkpoint timeout, then runs one
// compaction iteration.
func (t *Tenant) compactionLoop() {
	defer t.loopDone()
	log := t.log.With("task", "compaction")
	log.Info("background loop started")
	defer log.Info("background loop stopped")

	sub := t.SubscribeStateUpdates()
	defer sub.Unsubscribe()
	for {
		if !t.ShouldRunTasks() || ShutdownRequested() {
			return
		}
		timer := time.NewTimer(t.EffectiveCompactionPeriod())
		select {
		case state := <-sub.Chan():
			timer.Stop()
			if !state.BackgroundJobsRunning() {
				return
			}
		case <-timer.C:
			t.checkpointDueTimelines(log)
			err := t.CompactionIteration()
			switch {
			case errors.Is(err, ErrTenantInactive), errors.Is(err, ErrTenantBroken):
				return
			case err != nil:
				log.Error("compaction iteration failed", "err", err)
			}
		}
	}
}

// checkpointDueTimelines force-flushes every active timeline whose open
// layer grew past the checkpoint distance or sat idle longer than the
// checkpoint timeout.
func (t *Tenant) checkpointDueTimelines(log *slog.Logger) {
	distance := t.EffectiveCheckpointDistance()
	timeout := t.EffectiveCheckpointTimeout()
	for _, tl := range t.snapshotTimelines() {
		if ShutdownRequested() {
			return
		}
		if !tl.IsActive() {
			continue
		}
		size, lastWrite := tl.openLayerInfo()
		if size == 0 {
			continue
		}
		if size >= distance || (!lastWrite.IsZero() && time.Since(lastWrite) >= timeout) {
			if err := tl.Checkpoint(CheckpointForced); err != nil {
				log.Error("failed to checkpoint timeline", "timeline", tl.ID().String(), "err", err)
			}
		}
	}
}
