package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/logging"
	"github.com/rendis/galaxy/internal/store"
)

// TriggerSchedule marks runs started by the scheduler.
const TriggerSchedule = engine.TriggerSchedule

// RunStarter starts background runs. Satisfied by *engine.Service.
type RunStarter interface {
	StartRun(ctx context.Context, workflowID, trigger string) (*store.Run, error)
	InFlight(runID string) bool
}

var _ RunStarter = (*engine.Service)(nil)

// Entry binds a workflow to a 5-field cron expression.
type Entry struct {
	WorkflowID string `json:"workflow_id"`
	Cron       string `json:"cron"`
}

// EntryStatus reports a registered entry and its next firing.
type EntryStatus struct {
	Entry
	Next      time.Time `json:"next"`
	LastRunID string    `json:"last_run_id,omitempty"`
}

type job struct {
	entry Entry
	id    cron.EntryID
}

// Scheduler starts workflow runs on cron schedules. A firing is skipped while
// the run started by the previous firing of the same workflow is in flight.
type Scheduler struct {
	starter RunStarter
	parser  cron.Parser
	cron    *cron.Cron
	logger  *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	jobs     []*job
	inflight map[string]string // workflow id -> last scheduled run id
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(starter RunStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		starter:  starter,
		parser:   parser,
		cron:     cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger})),
		logger:   logger,
		ctx:      context.Background(),
		inflight: make(map[string]string),
	}
}

// Add registers e. Entries may be added before or after Start.
func (s *Scheduler) Add(e Entry) error {
	if e.WorkflowID == "" {
		return fmt.Errorf("schedule entry: workflow_id is required")
	}
	sched, err := s.parser.Parse(e.Cron)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", e.Cron, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e.WorkflowID) }))

	s.mu.Lock()
	s.jobs = append(s.jobs, &job{entry: e, id: id})
	s.mu.Unlock()

	s.logger.Info("schedule registered", slog.String("workflow_id", e.WorkflowID), slog.String("cron", e.Cron))
	return nil
}

// Start begins firing entries. Runs are started under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", len(s.Entries())))
	return nil
}

// Stop halts firing and waits for a firing in progress to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	<-s.cron.Stop().Done()
	cancel()
	s.logger.Info("scheduler stopped")
	return nil
}

// Entries lists registered entries in next-firing order.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, EntryStatus{
			Entry:     j.entry,
			Next:      s.cron.Entry(j.id).Next,
			LastRunID: s.inflight[j.entry.WorkflowID],
		})
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Next.Before(out[k].Next) })
	return out
}

// CalculateNextRun computes the next firing of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// fire starts a run of workflowID unless the previous scheduled one is still
// executing. It reports the started run id, or "" when skipped or failed.
func (s *Scheduler) fire(workflowID string) string {
	s.mu.Lock()
	ctx := logging.WithWorkflowID(s.ctx, workflowID)
	prev, ok := s.inflight[workflowID]
	if ok && (prev == "" || s.starter.InFlight(prev)) {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "skipping scheduled run, previous run still in flight", slog.String("previous_run_id", prev))
		return ""
	}
	// Hold the slot so an overlapping firing cannot start a second run.
	s.inflight[workflowID] = ""
	s.mu.Unlock()

	run, err := s.starter.StartRun(ctx, workflowID, TriggerSchedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if ok {
			s.inflight[workflowID] = prev
		} else {
			delete(s.inflight, workflowID)
		}
		s.logger.ErrorContext(ctx, "scheduled run failed to start", slog.String("error", err.Error()))
		return ""
	}
	s.inflight[workflowID] = run.ID
	s.logger.InfoContext(ctx, "scheduled run started", slog.String("run_id", run.ID))
	return run.ID
}

// cronLogger routes robfig/cron diagnostics to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
