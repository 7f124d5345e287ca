// Package alert decides whether a scored session is alert-worthy.
// Triggers are CEL expressions evaluated in order; the first match wins.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in trigger IDs.
const (
	TriggerExtreme          = "extreme_single_session"
	TriggerRepeatedElevated = "repeated_elevated_risk"
)

// HistoryCounter counts a user's sessions at or above minRisk since a point in time.
type HistoryCounter interface {
	CountSessions(ctx context.Context, userID string, minRisk float64, since time.Time) (int64, error)
}

// Evaluator holds the compiled trigger list.
type Evaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	triggers []*compiledTrigger
	history  HistoryCounter
	cfg      domain.AlertConfig
}

type compiledTrigger struct {
	cfg     domain.AlertTrigger
	program cel.Program
}

// BuiltinTriggers returns the default trigger list: extreme single-session
// risk first, then repeated elevated risk.
func BuiltinTriggers() []domain.AlertTrigger {
	return []domain.AlertTrigger{
		{
			ID:         TriggerExtreme,
			Expression: "risk_score >= extreme_threshold",
			Reason:     domain.ReasonExtremeRisk,
		},
		{
			ID:         TriggerRepeatedElevated,
			Expression: "elevated_count >= elevated_limit",
			Reason:     domain.ReasonRepeatedElevatedRisk,
		},
	}
}

// NewEvaluator compiles the built-in triggers followed by cfg.ExtraTriggers.
// Non-positive thresholds, count and window take the defaults.
// history may be nil, in which case elevated_count is always 0.
func NewEvaluator(cfg domain.AlertConfig, history HistoryCounter) (*Evaluator, error) {
	cfg = withDefaults(cfg)
	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("elevated_count", cel.IntType),
		cel.Variable("extreme_threshold", cel.DoubleType),
		cel.Variable("elevated_threshold", cel.DoubleType),
		cel.Variable("elevated_limit", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{env: env, history: history, cfg: cfg}
	if err := e.Load(cfg.ExtraTriggers); err != nil {
		return nil, err
	}
	return e, nil
}

func withDefaults(cfg domain.AlertConfig) domain.AlertConfig {
	def := domain.DefaultConfig().Alert
	if cfg.ExtremeThreshold <= 0 {
		cfg.ExtremeThreshold = def.ExtremeThreshold
	}
	if cfg.ElevatedThreshold <= 0 {
		cfg.ElevatedThreshold = def.ElevatedThreshold
	}
	if cfg.ElevatedCount <= 0 {
		cfg.ElevatedCount = def.ElevatedCount
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return cfg
}

// Load replaces the operator triggers. Built-ins always come first.
func (e *Evaluator) Load(extra []domain.AlertTrigger) error {
	all := append(BuiltinTriggers(), extra...)
	compiled := make([]*compiledTrigger, 0, len(all))
	seen := make(map[string]bool, len(all))

	for _, t := range all {
		if t.ID == "" || t.Reason == "" {
			return fmt.Errorf("trigger %q: id and reason are required", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate trigger %s", t.ID)
		}
		seen[t.ID] = true

		ct, err := e.compile(t)
		if err != nil {
			return err
		}
		compiled = append(compiled, ct)
	}

	e.mu.Lock()
	e.triggers = compiled
	e.mu.Unlock()
	return nil
}

// Validate compiles a trigger without loading it.
func (e *Evaluator) Validate(t domain.AlertTrigger) error {
	_, err := e.compile(t)
	return err
}

// Triggers returns the active trigger definitions in evaluation order.
func (e *Evaluator) Triggers() []domain.AlertTrigger {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.AlertTrigger, len(e.triggers))
	for i, t := range e.triggers {
		out[i] = t.cfg
	}
	return out
}

// Evaluate returns the alert for outcome, or nil when no trigger matches.
// The elevated-session count is fetched at most once, and only when a
// trigger reached during evaluation references it.
func (e *Evaluator) Evaluate(ctx context.Context, outcome *domain.SessionOutcome) (*domain.AlertRecord, error) {
	e.mu.RLock()
	triggers := e.triggers
	e.mu.RUnlock()

	at := outcome.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		count     int64
		countErr  error
		countDone bool
	)
	elevatedCount := func() any {
		if !countDone {
			countDone = true
			if e.history != nil {
				count, countErr = e.history.CountSessions(ctx, outcome.UserID, e.cfg.ElevatedThreshold, at.Add(-e.cfg.Window))
			}
		}
		return count
	}

	activation := map[string]any{
		"risk_score":         outcome.RiskScore,
		"elevated_count":     elevatedCount,
		"extreme_threshold":  e.cfg.ExtremeThreshold,
		"elevated_threshold": e.cfg.ElevatedThreshold,
		"elevated_limit":     int64(e.cfg.ElevatedCount),
	}

	for _, t := range triggers {
		out, _, err := t.program.Eval(activation)
		if countErr != nil {
			return nil, fmt.Errorf("failed to count elevated sessions: %w", countErr)
		}
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", t.cfg.ID, err)
		}
		if out == types.True {
			return &domain.AlertRecord{
				ID:          uuid.New().String(),
				UserID:      outcome.UserID,
				SessionID:   outcome.SessionID,
				RiskScore:   outcome.RiskScore,
				Reason:      t.cfg.Reason,
				Timestamp:   at,
				ActionTaken: outcome.Action,
			}, nil
		}
	}
	return nil, nil
}

func (e *Evaluator) compile(t domain.AlertTrigger) (*compiledTrigger, error) {
	ast, issues := e.env.Compile(t.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile trigger %s: %w", t.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("trigger %s: expression must return bool, got %s", t.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for trigger %s: %w", t.ID, err)
	}
	return &compiledTrigger{cfg: t, program: program}, nil
}
