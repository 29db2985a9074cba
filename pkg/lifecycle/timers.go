package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/islam56naser/okapi-1/pkg/events"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/metrics"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// timerEntry is one armed timer: a periodic call into a module's
// timer interface on behalf of a tenant.
type timerEntry struct {
	tenantID string
	moduleID string
	seq      int
	delay    time.Duration
	md       *types.ModuleDescriptor
	re       *types.RoutingEntry
}

func timerKey(tenantID, moduleID string, seq int) string {
	return fmt.Sprintf("%s\x00%s\x00%d", tenantID, moduleID, seq)
}

// timerScheduler arms one goroutine per timer routing entry of every
// enabled module. Every instance keeps the full schedule armed, but
// only the leader fires; a follower that wins an election starts
// firing at the next tick without coordination.
type timerScheduler struct {
	mgr *Manager

	mu     sync.Mutex
	armed  map[string]chan struct{}
	stopCh chan struct{}
	sub    events.Subscriber
}

func newTimerScheduler(mgr *Manager) *timerScheduler {
	return &timerScheduler{
		mgr:    mgr,
		armed:  make(map[string]chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start arms timers for all known tenants and follows reload events.
func (s *timerScheduler) Start(ctx context.Context) error {
	keys, err := s.mgr.tenants.Keys()
	if err != nil {
		return err
	}
	for _, tenantID := range keys {
		s.Reload(tenantID)
	}
	s.sub = s.mgr.broker.Subscribe()
	go s.consume()
	log.WithComponent("timers").Info().Int("tenants", len(keys)).Msg("timer scheduler started")
	return nil
}

// Stop cancels every armed timer and the event loop.
func (s *timerScheduler) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cancel := range s.armed {
		close(cancel)
		delete(s.armed, key)
	}
	if s.sub != nil {
		s.mgr.broker.Unsubscribe(s.sub)
	}
}

func (s *timerScheduler) consume() {
	for {
		select {
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			if ev.Type == events.EventTimerReload && ev.TenantID != "" {
				s.Reload(ev.TenantID)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Reload reconciles the tenant's armed timers with its current
// enabled set: stale timers are canceled, new ones armed. Surviving
// timers keep their phase.
func (s *timerScheduler) Reload(tenantID string) {
	desired := s.desiredEntries(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cancel := range s.armed {
		if !keyOfTenant(key, tenantID) {
			continue
		}
		if _, ok := desired[key]; !ok {
			close(cancel)
			delete(s.armed, key)
		}
	}
	for key, ent := range desired {
		if _, ok := s.armed[key]; ok {
			continue
		}
		cancel := make(chan struct{})
		s.armed[key] = cancel
		go s.runTimer(key, ent, cancel)
	}
}

func keyOfTenant(key, tenantID string) bool {
	return len(key) > len(tenantID) && key[:len(tenantID)] == tenantID && key[len(tenantID)] == '\x00'
}

// desiredEntries computes the timers the tenant should have armed. A
// missing tenant yields none, so reload after delete disarms all.
func (s *timerScheduler) desiredEntries(tenantID string) map[string]timerEntry {
	desired := make(map[string]timerEntry)
	t, err := s.mgr.tenants.GetNotFound(tenantID)
	if err != nil {
		return desired
	}
	set, err := s.mgr.cache.EnabledModules(t)
	if err != nil {
		return desired
	}
	for _, id := range sortedIDs(set) {
		iface := set[id].SystemInterface(timerInterface)
		if iface == nil {
			continue
		}
		for i, re := range iface.RoutingEntries() {
			ms := re.DelayMilliseconds()
			if ms <= 0 || re.StaticPath() == "" {
				continue
			}
			desired[timerKey(tenantID, id, i)] = timerEntry{
				tenantID: tenantID,
				moduleID: id,
				seq:      i,
				delay:    time.Duration(ms) * time.Millisecond,
				md:       set[id],
				re:       re,
			}
		}
	}
	return desired
}

func (s *timerScheduler) runTimer(key string, ent timerEntry, cancel chan struct{}) {
	for {
		timer := time.NewTimer(ent.delay)
		select {
		case <-timer.C:
			// The module set may have changed between ticks without a
			// reload reaching us yet.
			current, ok := s.desiredEntries(ent.tenantID)[key]
			if !ok {
				s.disarm(key, cancel)
				return
			}
			if current.delay != ent.delay {
				ent = current
			}
			if s.mgr.leader.IsLeader() {
				s.fire(ent)
			}
		case <-cancel:
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// disarm removes the key only while it still maps to our own cancel
// channel; a concurrent reload may have re-armed it.
func (s *timerScheduler) disarm(key string, own chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.armed[key]; ok && cancel == own {
		delete(s.armed, key)
	}
}

func (s *timerScheduler) fire(ent timerEntry) {
	method := ent.re.DefaultMethod("POST")
	inst := types.NewModuleInstance(ent.md, ent.re, ent.re.StaticPath(), method)
	metrics.TimerFiresTotal.WithLabelValues(ent.tenantID, ent.moduleID).Inc()
	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if _, err := s.mgr.prx.CallSystemInterface(ctx, ent.tenantID, inst, ""); err != nil {
		log.WithTenantID(ent.tenantID).Warn().
			Str("module_id", ent.moduleID).
			Str("path", ent.re.StaticPath()).
			Err(err).
			Msg("timer call failed")
	}
}
