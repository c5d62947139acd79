// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"context"
	"sync"
	"time"
)

// dutySupervisor owns the manager's two periodic background duties: the
// metrics heartbeat and the liveness sweep. The manager starts it on the
// zero-to-one connection transition and stops it on the one-to-zero
// transition. start and stop are idempotent, so repeated transitions never
// accumulate duplicate tickers.
type dutySupervisor struct {
	mgr *Manager

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDutySupervisor(mgr *Manager) *dutySupervisor {
	return &dutySupervisor{mgr: mgr}
}

// start launches both duty goroutines. No-op while already running.
func (s *dutySupervisor) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.metricsLoop(ctx)
	go s.livenessLoop(ctx)
	s.mgr.log.Debug().Msg("Background duties started")
}

// stop cancels both duties. It does not wait for the goroutines to return;
// wait() does, and is only needed during manager shutdown. No-op while not
// running.
func (s *dutySupervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.mgr.log.Debug().Msg("Background duties stopped")
}

// wait blocks until all duty goroutines have exited.
func (s *dutySupervisor) wait() {
	s.wg.Wait()
}

// running reports whether the duties are currently active.
func (s *dutySupervisor) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// metricsLoop broadcasts a low-priority metrics snapshot on a fixed schedule,
// independent of producer activity.
func (s *dutySupervisor) metricsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.mgr.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mgr.broadcastMetricsSnapshot()
		}
	}
}

// livenessLoop pings every connected viewer; Ping disconnects any viewer that
// fails the probe.
func (s *dutySupervisor) livenessLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.mgr.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.mgr.connectionIDs() {
				if err := s.mgr.Ping(id); err != nil {
					s.mgr.log.Warn().Str("connection_id", id).Err(err).
						Msg("Liveness sweep dropped connection")
				}
			}
		}
	}
}
