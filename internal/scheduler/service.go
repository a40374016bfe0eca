package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tellbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

// Job is a scheduled unit of work. Its context is canceled when the run
// times out or the service stops.
type Job func(ctx context.Context) error

// Entry describes a registered schedule.
type Entry struct {
	Name string
	Spec string
	Next time.Time
}

type def struct {
	name    string
	sched   Schedule
	timeout time.Duration
	job     Job
	id      cron.EntryID
}

// Service triggers named jobs on cron or interval schedules. Definitions
// survive Stop and Apply; registering a name twice replaces the first.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   map[string]*def

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Add registers job under name. It can be called before Start.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}
	sched, err := Parse(schedule)
	if err != nil {
		return err
	}
	if sched.Kind == KindCron {
		if _, err := s.parser.Parse(sched.Cron); err != nil {
			return fmt.Errorf("scheduler: %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, sched: sched, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", sched.Spec()))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.id != 0 {
		s.c.Remove(d.id)
	}
	delete(s.defs, name)
	return true
}

// Start begins triggering. A disabled scheduler keeps its definitions and
// starts when Apply enables it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if s.runCtx == nil {
		s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled", logx.Int("schedules", len(s.defs)))
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.location()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) registerLocked(d *def) {
	job := cron.FuncJob(func() { s.run(d) })
	if d.sched.Kind == KindInterval {
		d.id = s.c.Schedule(cron.Every(d.sched.Every), job)
		return
	}
	id, err := s.c.AddJob(d.sched.Cron, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.sched.Cron), logx.Err(err))
		return
	}
	d.id = id
}

func (s *Service) run(d *def) {
	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, d.timeout)
	}
	defer cancel()

	start := time.Now()
	if err := d.job(ctx); err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

// Stop halts triggering and cancels running jobs, waiting for them up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	for _, d := range s.defs {
		d.id = 0
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps config, restarting cron on a timezone or enable change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.runCtx == nil {
		return
	}
	switch {
	case !cfg.Enabled && s.c != nil:
		s.c.Stop()
		s.c = nil
		s.log.Info("scheduler disabled")
	case cfg.Enabled && s.c == nil:
		s.startLocked()
	case cfg.Enabled && strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		<-s.c.Stop().Done()
		s.startLocked()
	}
}

// Entries lists registered schedules by name. Next is zero when the
// scheduler is not running.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{Name: d.name, Spec: d.sched.Spec()}
		if s.c != nil && d.id != 0 {
			e.Next = s.c.Entry(d.id).Next
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
