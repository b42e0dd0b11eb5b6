package reasoning

import (
	"sync"

	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// PlanStep is one entry of the plan announced for the current turn.
type PlanStep struct {
	Description string `json:"description" yaml:"description"`
	Status      Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// Step is an executed reasoning step, reported while the assistant streams.
type Step struct {
	Index       int    `json:"index" yaml:"index"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Status      Status `json:"status,omitempty" yaml:"status,omitempty"`
}

const Component = "reasoning"

// Tracker holds the plan and the executed steps of the in-flight turn.
// Steps are kept in arrival order; duplicate indices are not collapsed.
type Tracker struct {
	mu       sync.Mutex
	plan     []PlanStep
	steps    []Step
	version  int64
	notifier *helpers.Notifier
	logger   zerolog.Logger
}

type Option func(*Tracker)

func WithNotifier(n *helpers.Notifier) Option {
	return func(t *Tracker) {
		t.notifier = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func NewTracker(options ...Option) *Tracker {
	t := &Tracker{
		plan:   []PlanStep{},
		steps:  []Step{},
		logger: log.Logger,
	}
	for _, option := range options {
		option(t)
	}
	t.logger = t.logger.With().Str("component", Component).Logger()
	return t
}

func (t *Tracker) AppendStep(step Step) {
	t.mu.Lock()
	t.steps = append(t.steps, step)
	v := t.bump()
	t.mu.Unlock()

	t.logger.Debug().Int("index", step.Index).Str("type", step.Type).Msg("step appended")
	t.notify("append_step", v)
}

// SetPlan replaces the plan wholesale.
func (t *Tracker) SetPlan(plan []PlanStep) {
	cp := make([]PlanStep, len(plan))
	copy(cp, plan)

	t.mu.Lock()
	t.plan = cp
	v := t.bump()
	t.mu.Unlock()

	t.logger.Debug().Int("steps", len(cp)).Msg("plan set")
	t.notify("set_plan", v)
}

// Clear empties both the plan and the steps.
func (t *Tracker) Clear() {
	t.mu.Lock()
	if len(t.plan) == 0 && len(t.steps) == 0 {
		t.mu.Unlock()
		return
	}
	t.plan = []PlanStep{}
	t.steps = []Step{}
	v := t.bump()
	t.mu.Unlock()

	t.notify("clear", v)
}

func (t *Tracker) Plan() []PlanStep {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PlanStep, len(t.plan))
	copy(out, t.plan)
	return out
}

func (t *Tracker) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *Tracker) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

func (t *Tracker) bump() int64 {
	t.version++
	return t.version
}

func (t *Tracker) notify(op string, version int64) {
	t.notifier.Notify(helpers.Change{Component: Component, Op: op, Version: version})
}
