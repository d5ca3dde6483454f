// Package chaos runs fault experiments against a live circulation service:
// validate steady state, inject, observe, roll back, then check assertions.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lms/internal/logging"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action is a fault injection or recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of Metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer         trace.Tracer
	logger         logging.Logger
	sampleInterval time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type Option func(*Engine)

// WithSampleInterval sets how often metrics are sampled while observing.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) { e.sampleInterval = d }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer("lms/chaos") }
}

func NewEngine(logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		tracer:         otel.Tracer("lms/chaos"),
		logger:         logger,
		sampleInterval: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunExperiment executes a single chaos experiment. An error means the
// experiment could not start; a violated hypothesis is reported in the result.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.validateSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, fmt.Errorf("%w: %s", ErrSteadyStateInvalid, exp.Name)
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// observe samples every metric each interval until the experiment duration
// elapses, then takes one final sample.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	var recoveryStart time.Time
	recovered := false
	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			if err != nil {
				result.recordError(metric.Name, err)
				continue
			}
			now := time.Now()
			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !metric.Threshold.holds(value) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	for {
		select {
		case <-observationCtx.Done():
			sample()
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			e.logger.Warn(ctx, "steady state query failed", "metric", metric.Name, "error", err)
			value = -1
		}
		if err != nil || !metric.Threshold.holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

func validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 || !assertion.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

func (r *Result) recordError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario and returns an error naming each one
// whose hypothesis did not hold or that could not start.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.Info(ctx, "starting game day", "name", gameDay.Name, "date", gameDay.Date, "scenarios", len(gameDay.Scenarios))

	var errs []error
	for i, scenario := range gameDay.Scenarios {
		if i > 0 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(append(errs, ctx.Err())...)
			case <-time.After(gameDay.Pause):
			}
		}

		log := e.logger.With("experiment", scenario.Name)
		log.Info(ctx, "running experiment", "hypothesis", scenario.Hypothesis)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			log.Error(ctx, "experiment aborted", "error", err)
			errs = append(errs, err)
			continue
		}
		e.report(ctx, log, result)
		if !result.HypothesisHeld {
			errs = append(errs, fmt.Errorf("%s: hypothesis violated", scenario.Name))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) report(ctx context.Context, log logging.Logger, result *Result) {
	if result.HypothesisHeld {
		log.Info(ctx, "hypothesis held", "duration", result.Duration)
	} else {
		log.Warn(ctx, "hypothesis violated", "failed", result.FailedAssertions, "duration", result.Duration)
	}
	for _, v := range result.Violations {
		log.Warn(ctx, "metric violation", "metric", v.MetricName, "expected", v.Expected, "actual", v.Actual)
	}
	for _, ev := range result.ErrorEvents {
		log.Warn(ctx, "error during experiment", "component", ev.Component, "error", ev.Error)
	}
	if result.MTTR != nil {
		log.Info(ctx, "recovered", "mttr", *result.MTTR)
	}
}
