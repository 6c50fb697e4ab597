/*
scheduler.go - Background reconciliation sweep

PURPOSE:
  Periodically scans a tenant's laboratories for two conditions an
  operator would otherwise only discover by looking: EMAC periods with
  invoiced turnover but no declaration on file, and invoices carrying a
  non-cancelled rebate schedule whose source agreement has since moved
  to a newer version. Neither condition is corrected automatically -
  rebate schedules touch money owed to labs, so recompute stays an
  explicit, auditable action taken through the API. The sweep only logs
  what it finds.

CONFIGURATION:
  - CheckInterval: how often to sweep (default: 1 hour)
  - Enabled: whether the sweep is active (default: true)

USAGE:
  sched := NewScheduler(store, reconciler, tenantID)
  sched.Start()
  // ...
  sched.Stop()

SEE ALSO:
  - handlers_emac.go: DetectMissingEMACs (the on-demand equivalent)
  - rebate/emac.go: EMACReconciler.DetectMissing
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pharmaverif/rebate-engine/rebate"
	"github.com/pharmaverif/rebate-engine/store/sqlite"
)

// Scheduler runs a periodic sweep for one tenant looking for EMAC
// coverage gaps and stale rebate schedules.
type Scheduler struct {
	Store         *sqlite.Store
	Reconciler    *rebate.EMACReconciler
	TenantID      rebate.TenantID
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler for the given tenant.
func NewScheduler(store *sqlite.Store, reconciler *rebate.EMACReconciler, tenantID rebate.TenantID) *Scheduler {
	return &Scheduler{
		Store:         store,
		Reconciler:    reconciler,
		TenantID:      tenantID,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweep.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[scheduler] disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[scheduler] started, tenant=%s interval=%v", s.TenantID, s.CheckInterval)
}

// Stop halts the sweep and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[scheduler] stopped")
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) checkAndProcess() {
	ctx := context.Background()
	now := time.Now().UTC()

	labs, err := s.Store.ListLaboratories(ctx, s.TenantID)
	if err != nil {
		log.Printf("[scheduler] error listing laboratories: %v", err)
		return
	}
	labIDs := make([]rebate.LaboratoryID, len(labs))
	for i, l := range labs {
		labIDs[i] = l.ID
	}

	s.sweepMissingEMACs(ctx, now, labIDs)
	s.sweepStaleSchedules(ctx, now, labs)
}

func (s *Scheduler) sweepMissingEMACs(ctx context.Context, now time.Time, labIDs []rebate.LaboratoryID) {
	existing, err := s.Store.ListEMACs(ctx, s.TenantID, "")
	if err != nil {
		log.Printf("[scheduler] error listing EMACs: %v", err)
		return
	}

	missing, err := s.Reconciler.DetectMissing(ctx, s.TenantID, now.Year(), labIDs, existing, now)
	if err != nil {
		log.Printf("[scheduler] error detecting missing EMACs: %v", err)
		return
	}
	if len(missing) > 0 {
		log.Printf("[scheduler] tenant=%s: %d month(s) with invoiced turnover and no covering EMAC", s.TenantID, len(missing))
	}
}

// sweepStaleSchedules flags invoices whose latest schedule was built off
// an agreement version that is no longer the active one. It does not
// recompute them; ComputeSchedule stays a deliberate call made through
// the API.
func (s *Scheduler) sweepStaleSchedules(ctx context.Context, now time.Time, labs []sqlite.Laboratory) {
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	for _, lab := range labs {
		active, err := s.Store.ActiveAgreement(s.TenantID, lab.ID)
		if err != nil {
			continue
		}

		invoices, err := s.Store.InvoicesInPeriod(ctx, s.TenantID, lab.ID, yearStart, now)
		if err != nil {
			log.Printf("[scheduler] error listing invoices for %s: %v", lab.ID, err)
			continue
		}

		stale := 0
		for _, inv := range invoices {
			schedule, err := s.Store.LatestSchedule(ctx, s.TenantID, inv.ID)
			if err != nil || schedule == nil {
				continue
			}
			if schedule.AgreementVersion != active.Version {
				stale++
			}
		}
		if stale > 0 {
			log.Printf("[scheduler] laboratory=%s: %d invoice(s) carry a schedule from a superseded agreement version", lab.ID, stale)
		}
	}
}

// RunNow triggers an immediate sweep (for admin/test use).
func (s *Scheduler) RunNow() {
	s.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *Scheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
