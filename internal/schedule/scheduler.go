// Package schedule triggers the engine's units of work on a cron
// cadence. The engine itself stays trigger-agnostic; this is merely the
// built-in "something" that invokes it periodically.
package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calsync-bridge/backend/internal/bridge"
	"github.com/calsync-bridge/backend/internal/changedetect"
	"github.com/calsync-bridge/backend/internal/config"
	"github.com/calsync-bridge/backend/internal/deletion"
	"github.com/calsync-bridge/backend/internal/syncer"
)

// PollSink receives poll pass outcomes. Satisfied by the websocket
// broadcaster; nil sinks are ignored.
type PollSink interface {
	PollCompleted(calendarsPolled, tasksQueued, errs int)
}

// Scheduler runs periodic sync, poll, drain and renewal jobs.
type Scheduler struct {
	cron         *cron.Cron
	cfg          config.Config
	bridges      map[string]bridge.Bridge
	orchestrator *syncer.Orchestrator
	engines      map[string]*changedetect.Engine
	deletion     *deletion.Service
	sink         PollSink
}

// New creates a scheduler over the given services.
func New(cfg config.Config, bridges map[string]bridge.Bridge, orch *syncer.Orchestrator, engines map[string]*changedetect.Engine, del *deletion.Service, sink PollSink) *Scheduler {
	return &Scheduler{
		cron:         cron.New(),
		cfg:          cfg,
		bridges:      bridges,
		orchestrator: orch,
		engines:      engines,
		deletion:     del,
		sink:         sink,
	}
}

// Start registers all jobs and begins the cron loop.
func (s *Scheduler) Start() error {
	sc := s.cfg.Schedule

	if _, err := s.cron.AddFunc(every(sc.SyncIntervalMin, 15), s.runSyncPairs); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(every(sc.PollIntervalMin, 5), s.runPolls); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(every(sc.DrainIntervalMin, 2), s.drainQueue); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1h", s.renewSubscriptions); err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("Scheduler started: sync every %dm, poll every %dm, drain every %dm",
		sc.SyncIntervalMin, sc.PollIntervalMin, sc.DrainIntervalMin)
	return nil
}

// Stop halts the cron loop, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func every(minutes, fallback int) string {
	if minutes <= 0 {
		minutes = fallback
	}
	return fmt.Sprintf("@every %dm", minutes)
}

// runSyncPairs executes one sliding-window pass per configured pair.
func (s *Scheduler) runSyncPairs() {
	ctx := context.Background()
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -s.cfg.Sync.LookbackDays)
	end := now.AddDate(0, 0, s.cfg.Sync.LookaheadDays)

	for _, pair := range s.cfg.Sync.Pairs {
		source, ok := s.bridges[pair.SourceBridge]
		if !ok {
			log.Printf("Scheduled pair references unknown bridge %s", pair.SourceBridge)
			continue
		}
		target, ok := s.bridges[pair.TargetBridge]
		if !ok {
			log.Printf("Scheduled pair references unknown bridge %s", pair.TargetBridge)
			continue
		}

		result := s.orchestrator.Sync(ctx, source, target,
			pair.SourceCalendarID, pair.TargetCalendarID, start, end,
			syncer.Options{
				HandleDeletions: s.cfg.Sync.HandleDeletions,
				DryRun:          s.cfg.Sync.DryRun,
				SourceKind:      pair.SourceKind,
			})
		if len(result.Errors) > 0 {
			log.Printf("Sync %s->%s finished with %d errors: created=%d updated=%d",
				pair.SourceBridge, pair.TargetBridge, len(result.Errors), result.Created, result.Updated)
		}
	}

	// The cancellation scan rides the sync cadence.
	if s.deletion != nil {
		if result := s.deletion.DetectAndSyncCancellations(ctx); len(result.Errors) > 0 {
			log.Printf("Cancellation scan finished with %d errors", len(result.Errors))
		}
	}
}

func (s *Scheduler) runPolls() {
	ctx := context.Background()
	for name, engine := range s.engines {
		result := engine.PollChanges(ctx)
		if len(result.Errors) > 0 {
			log.Printf("Poll pass for %s finished with %d errors", name, len(result.Errors))
		}
		if s.sink != nil {
			s.sink.PollCompleted(result.CalendarsPolled, result.TasksQueued, len(result.Errors))
		}
	}
}

func (s *Scheduler) drainQueue() {
	if s.deletion == nil {
		return
	}
	result := s.deletion.ProcessQueue(context.Background(), 100)
	if len(result.Errors) > 0 {
		log.Printf("Deletion queue drain finished with %d errors", len(result.Errors))
	}
}

func (s *Scheduler) renewSubscriptions() {
	if s.cfg.Webhook.CallbackURL == "" {
		return
	}
	ctx := context.Background()
	for name, engine := range s.engines {
		err := engine.RenewExpiring(ctx, s.cfg.Webhook.CallbackURL, s.cfg.Webhook.TTL(), s.cfg.Webhook.RenewalLead())
		if err != nil {
			log.Printf("Subscription renewal for %s failed: %v", name, err)
		}
	}
}
