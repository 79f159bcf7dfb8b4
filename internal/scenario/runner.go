package scenario

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/aspruds/divolte-collector/internal/harness"
	"github.com/aspruds/divolte-collector/internal/page"
	"github.com/aspruds/divolte-collector/internal/params"
)

const (
	// DefaultEventTimeout bounds the wait for each expected event.
	DefaultEventTimeout = 2 * time.Second
	// DefaultQuietPeriod is how long expect_no_more waits for stray events.
	DefaultQuietPeriod = 200 * time.Millisecond
)

// StepResult records the outcome of a single step or expectation.
type StepResult struct {
	Name     string
	Passed   bool
	Duration time.Duration
	Error    string // empty when passed
}

// Result records the outcome of an entire scenario.
type Result struct {
	ScenarioName string
	Passed       bool
	Steps        []StepResult
	Duration     time.Duration
}

// Runner executes scenarios against a Collector.
type Runner struct {
	collector  Collector
	logger     *slog.Logger
	globalName string
	timeout    time.Duration
	quiet      time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger pages log to.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithGlobalName sets the default global for the tracking queue.
func WithGlobalName(name string) Option {
	return func(r *Runner) { r.globalName = name }
}

// WithEventTimeout sets the wait for each expected event.
func WithEventTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithQuietPeriod sets how long expect_no_more waits.
func WithQuietPeriod(d time.Duration) Option {
	return func(r *Runner) { r.quiet = d }
}

// NewRunner creates a Runner that sends events to c.
func NewRunner(c Collector, opts ...Option) *Runner {
	r := &Runner{
		collector:  c,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		globalName: page.DefaultGlobalName,
		timeout:    DefaultEventTimeout,
		quiet:      DefaultQuietPeriod,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a single scenario and returns its result. Steps stop at the
// first failure; expectations are then skipped.
func (r *Runner) Run(s *Scenario) (*Result, error) {
	start := time.Now()
	result := &Result{
		ScenarioName: s.Name,
		Passed:       true,
	}

	// --- Setup phase ---
	if err := r.collector.Reset(); err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}
	name := s.GlobalName
	if name == "" {
		name = r.globalName
	}
	pg, err := page.New(page.Options{
		GlobalName: name,
		Sink:       r.collector,
		Logger:     r.logger.With("scenario", s.Name),
		PageViewID: s.PageViewID,
	})
	if err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}
	vars := map[string]string{
		"page_view_id": pg.PageViewID(),
		"global_name":  name,
	}

	record := func(sr StepResult) {
		result.Steps = append(result.Steps, sr)
		if !sr.Passed {
			result.Passed = false
		}
	}

	// --- Steps phase ---
	for i := range s.Steps {
		record(r.runStep(pg, &s.Steps[i]))
		if !result.Passed {
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	// --- Expectations phase ---
	for i := range s.Expect {
		record(r.checkExpect(&s.Expect[i], vars))
	}
	if s.ExpectNoMore {
		record(r.checkNoMore())
	}
	if s.ExpectState != "" {
		record(timed("expect state "+s.ExpectState, func() error {
			if got := pg.State().String(); got != s.ExpectState {
				return fmt.Errorf("expected queue state %s, got %s", s.ExpectState, got)
			}
			return nil
		}))
	}
	if errs := pg.DeliveryErrors(); len(errs) > 0 {
		record(StepResult{
			Name:  "deliver events",
			Error: fmt.Sprintf("%d events could not be delivered: %v", len(errs), errors.Join(errs...)),
		})
	}

	result.Duration = time.Since(start)
	return result, nil
}

func timed(name string, fn func() error) StepResult {
	start := time.Now()
	sr := StepResult{Name: name}
	if err := fn(); err != nil {
		sr.Error = err.Error()
	} else {
		sr.Passed = true
	}
	sr.Duration = time.Since(start)
	return sr
}

// runStep executes a single page step.
func (r *Runner) runStep(pg *page.Page, step *Step) StepResult {
	return timed(step.Label(), func() error {
		switch step.Action() {
		case "script":
			return pg.Run(step.Script)
		case "install":
			return pg.InstallQueue()
		case "load":
			return pg.LoadTracker()
		case "call":
			return pg.Call(step.Call, step.Args...)
		}
		return fmt.Errorf("step has no action")
	})
}

// checkExpect consumes the next event and compares it with e.
func (r *Runner) checkExpect(e *Expect, vars map[string]string) StepResult {
	return timed(e.Label(), func() error {
		ev, err := r.collector.Next(r.timeout)
		if errors.Is(err, harness.ErrTimeout) {
			return fmt.Errorf("no event arrived within %s", r.timeout)
		}
		if err != nil {
			return err
		}

		switch {
		case e.Type == "" && ev.HasType:
			return fmt.Errorf("expected untyped event, got %s", ev.describe())
		case e.Type != "" && (!ev.HasType || ev.Type != e.Type):
			return fmt.Errorf("expected event %s, got %s", e.Type, ev.describe())
		}

		if e.PageViewID != "" {
			want, err := ExpandTemplates(e.PageViewID, vars)
			if err != nil {
				return err
			}
			if ev.PageViewID != want {
				return fmt.Errorf("expected page view id %q, got %q", want, ev.PageViewID)
			}
		}

		if e.NoParams && ev.Params != nil {
			return fmt.Errorf("expected no parameters, got %s", params.Encode(ev.Params))
		}
		if e.Params != nil {
			want, err := expectedText(*e.Params, vars)
			if err != nil {
				return fmt.Errorf("params: %w", err)
			}
			if ev.Params == nil {
				return fmt.Errorf("expected parameters %s, event carried none", want)
			}
			if got := params.Encode(ev.Params); got != want {
				return fmt.Errorf("parameters mismatch\n got: %s\nwant: %s", got, want)
			}
		}

		paths := make([]string, 0, len(e.Paths))
		for p := range e.Paths {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			want, err := expectedText(e.Paths[p], vars)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if ev.Params == nil {
				return fmt.Errorf("%s: event carried no parameters", p)
			}
			v, ok, err := valueAt(ev.Params, p)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: not found", p)
			}
			if got := params.Encode(v); got != want {
				return fmt.Errorf("%s: expected %s, got %s", p, want, got)
			}
		}
		return nil
	})
}

// checkNoMore fails if any event arrives within the quiet period.
func (r *Runner) checkNoMore() StepResult {
	return timed("expect no more events", func() error {
		ev, err := r.collector.Next(r.quiet)
		if errors.Is(err, harness.ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("unexpected %s", ev.describe())
	})
}

func expectedText(text string, vars map[string]string) (string, error) {
	expanded, err := ExpandTemplates(text, vars)
	if err != nil {
		return "", err
	}
	return canonical(expanded)
}
