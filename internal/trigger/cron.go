// Package trigger submits workflows on recurring schedules. It is a thin
// layer over robfig/cron: the trigger never executes tasks itself, it only
// fires submissions into the controller.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/felipepimentel/pepperpy-ai-sub001/pkg/schema"
)

// Job is invoked on every tick of a schedule. The context is cancelled when
// the trigger stops.
type Job func(ctx context.Context)

// CronTrigger manages named recurring schedules. Overlapping runs of the
// same schedule are skipped, not queued: a tick that fires while the
// previous run is still going is dropped.
type CronTrigger struct {
	c      *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCronTrigger builds a stopped trigger. Schedules use the standard
// five-field cron format plus the @every and @hourly style descriptors.
func NewCronTrigger(logger *slog.Logger) *CronTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	cl := &cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &CronTrigger{
		c: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers a named job. Registering a name twice is a conflict;
// remove it first.
func (t *CronTrigger) Schedule(name, spec string, job Job) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule name must not be empty")
	}
	if job == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q has no job", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q is already registered", name)
	}

	id, err := t.c.AddFunc(spec, func() {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Info("schedule fired", slog.String("schedule", name))
		job(t.ctx)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q for schedule %q: %s", spec, name, err.Error()).WithCause(err)
	}
	t.entries[name] = id
	return nil
}

// Remove unregisters a schedule. Removing an unknown name is an error.
func (t *CronTrigger) Remove(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.entries[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown schedule %q", name)
	}
	t.c.Remove(id)
	delete(t.entries, name)
	return nil
}

// Schedules lists the registered schedule names.
func (t *CronTrigger) Schedules() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	return names
}

// Start begins firing schedules in their own goroutine.
func (t *CronTrigger) Start() {
	t.c.Start()
}

// Stop cancels in-flight jobs and waits for them to return.
func (t *CronTrigger) Stop() {
	t.cancel()
	<-t.c.Stop().Done()
}

// cronLogger adapts slog to the cron logging interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{slog.String("error", fmt.Sprintf("%v", err))}, keysAndValues...)
	l.logger.Error(msg, args...)
}
