package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/campusboard/config"
	"github.com/tazhate/campusboard/internal/domain"
	appLog "github.com/tazhate/campusboard/internal/log"
	"github.com/tazhate/campusboard/internal/service"
)

const probeSpec = "* * * * *"

// Syncer refreshes cached events; *offline.Manager satisfies it.
type Syncer interface {
	SyncEvents(ctx context.Context) bool
	Probe(ctx context.Context) bool
}

type Importer interface {
	Import(ctx context.Context) (*service.ImportResult, error)
}

type Broadcaster interface {
	Broadcast(msg domain.Message) int
}

type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.Config
	syncer   Syncer
	importer Importer
	bus      Broadcaster

	mu     sync.Mutex
	ctx    context.Context
	online *bool
}

func New(cfg *config.Config, syncer Syncer, bus Broadcaster) *Scheduler {
	c := cron.New(cron.WithLocation(cfg.Timezone))

	return &Scheduler{
		cron:   c,
		cfg:    cfg,
		syncer: syncer,
		bus:    bus,
		ctx:    context.Background(),
	}
}

// SetImporter enables the calendar import job.
func (s *Scheduler) SetImporter(i Importer) {
	s.importer = i
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(probeSpec, s.checkConnectivity); err != nil {
		return fmt.Errorf("add connectivity probe: %w", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.SyncSchedule, s.backgroundSync); err != nil {
		return fmt.Errorf("add background sync: %w", err)
	}

	if s.importer != nil {
		if _, err := s.cron.AddFunc(s.cfg.CalDAVSchedule, s.importCalendar); err != nil {
			return fmt.Errorf("add calendar import: %w", err)
		}
	}

	s.cron.Start()
	appLog.Info("scheduler started", "tz", s.cfg.Timezone.String(), "sync", s.cfg.SyncSchedule, "calendar", s.importer != nil)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) jobContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	return context.WithTimeout(parent, timeout)
}

// checkConnectivity probes the origin and reports changes to every page.
// Coming back online triggers a sync.
func (s *Scheduler) checkConnectivity() {
	ctx, cancel := s.jobContext(30 * time.Second)
	defer cancel()

	online := s.syncer.Probe(ctx)

	s.mu.Lock()
	changed := s.online == nil || *s.online != online
	restored := s.online != nil && !*s.online && online
	s.online = &online
	s.mu.Unlock()

	if !changed {
		return
	}
	appLog.Info("connectivity changed", "online", online)
	s.bus.Broadcast(domain.Message{Type: domain.MessageConnectivity, Online: &online})

	if restored {
		s.syncer.SyncEvents(ctx)
	}
}

func (s *Scheduler) backgroundSync() {
	ctx, cancel := s.jobContext(time.Minute)
	defer cancel()
	s.syncer.SyncEvents(ctx)
}

func (s *Scheduler) importCalendar() {
	ctx, cancel := s.jobContext(2 * time.Minute)
	defer cancel()
	if _, err := s.importer.Import(ctx); err != nil {
		appLog.Error("calendar import failed", err)
	}
}
