// Package engine runs a submitted session through decode, scoring, profile
// learning, audit logging and alerting.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/decoder"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/traces"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MsgNoFeatures is returned when a payload yields nothing to score.
const MsgNoFeatures = "Failed to extract features."

// Submission is one client session to score.
type Submission struct {
	UserID          string `json:"userId"`
	SessionID       string `json:"sessionId,omitempty"`
	Payload         string `json:"sessionData"`
	ClientTimestamp int64  `json:"timestamp,omitempty"`
	TraceID         string `json:"traceId,omitempty"`
}

// SessionResult is the outcome returned to the client.
type SessionResult struct {
	Status    string        `json:"status"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	RiskScore float64       `json:"risk_score"`
	Action    domain.Action `json:"action"`
	Message   string        `json:"message"`
	Alert     string        `json:"alert,omitempty"`

	// Scored is false when nothing could be extracted from the payload.
	Scored bool `json:"-"`
}

// Store is the persistence the processor writes to. Each write is best effort.
type Store interface {
	SaveRawLog(ctx context.Context, raw *domain.RawLog) error
	SaveSessionLog(ctx context.Context, log *domain.SessionLog) error
	SaveAlert(ctx context.Context, alert *domain.AlertRecord) error
}

// Options wires a Processor. Store, Profiles and Scorer are required.
type Options struct {
	Store      Store
	Profiles   domain.ProfileStore
	Normalizer *features.Normalizer
	Scorer     scoring.Scorer
	Updater    *profile.Updater
	Alerts     *alert.Evaluator
}

// Processor scores sessions.
type Processor struct {
	store      Store
	profiles   domain.ProfileStore
	normalizer *features.Normalizer
	scorer     scoring.Scorer
	updater    *profile.Updater
	alerts     *alert.Evaluator
	now        func() time.Time
}

// NewProcessor creates a processor. A nil Normalizer uses the default
// calibration and a nil Updater writes straight to Profiles.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		store:      opts.Store,
		profiles:   opts.Profiles,
		normalizer: opts.Normalizer,
		scorer:     opts.Scorer,
		updater:    opts.Updater,
		alerts:     opts.Alerts,
		now:        time.Now,
	}
	if p.normalizer == nil {
		p.normalizer = features.NewNormalizer(nil)
	}
	if p.updater == nil {
		p.updater = profile.NewUpdater(p.profiles, nil)
	}
	return p
}

// Process scores one session. It never fails: storage and learning errors are
// logged, and an undecodable payload yields the neutral unscored result.
func (p *Processor) Process(ctx context.Context, sub Submission) *SessionResult {
	start := p.now()
	if sub.SessionID == "" {
		sub.SessionID = uuid.New().String()
	}

	ctx, span := traces.StartSpan(ctx, "engine.process",
		traces.UserID(sub.UserID),
		traces.SessionID(sub.SessionID),
	)
	defer span.End()

	log := slog.With("session_id", sub.SessionID, "user_id", sub.UserID)
	if sub.TraceID != "" {
		log = log.With("trace_id", sub.TraceID)
	}

	// 1. Raw payload
	rawID := p.saveRaw(ctx, log, sub, start)

	// 2. Features
	normalized := p.extract(ctx, sub.Payload)
	if len(normalized) == 0 {
		metrics.DecodeFailuresTotal.Inc()
		log.Warn("no features extracted from session payload")
		return &SessionResult{
			Status:    StatusError,
			SessionID: sub.SessionID,
			UserID:    sub.UserID,
			RiskScore: scoring.NoFeaturesScore,
			Action:    domain.ActionAllow,
			Message:   MsgNoFeatures,
		}
	}

	// 3. Baseline
	baseline := p.loadProfile(ctx, log, sub.UserID)

	// 4. Score and decide
	stageStart := time.Now()
	_, scoreSpan := traces.StartSpan(ctx, "engine.score")
	risk := p.scorer.Score(ctx, normalized, baseline)
	action := decision.Decide(risk)
	scoreSpan.SetAttributes(traces.RiskScore(risk), traces.Action(string(action)))
	scoreSpan.End()
	metrics.ObserveStage("score", stageStart)

	span.SetAttributes(traces.RiskScore(risk), traces.Action(string(action)))
	log.Info("session scored",
		"risk_score", risk,
		"action", action,
		"has_profile", baseline != nil,
	)

	// 5. Learn from the session after it has been scored.
	p.learn(ctx, log, sub.UserID, normalized)

	// 6. Audit log
	outcome := &domain.SessionOutcome{
		UserID:    sub.UserID,
		SessionID: sub.SessionID,
		RiskScore: risk,
		Action:    action,
		Features:  normalized,
		Timestamp: start.UTC(),
	}
	p.logSession(ctx, log, outcome, rawID)

	// 7. Alerts
	result := &SessionResult{
		Status:    StatusSuccess,
		SessionID: sub.SessionID,
		UserID:    sub.UserID,
		RiskScore: round4(risk),
		Action:    action,
		Message:   decision.Message(action),
		Scored:    true,
	}
	if rec := p.evaluateAlert(ctx, log, outcome); rec != nil {
		result.Alert = rec.Reason
	}

	metrics.SessionsTotal.WithLabelValues(string(action)).Inc()
	metrics.RiskScore.Observe(risk)
	metrics.ObserveStage("total", start)

	return result
}

func (p *Processor) saveRaw(ctx context.Context, log *slog.Logger, sub Submission, received time.Time) string {
	raw := &domain.RawLog{
		ID:                uuid.New().String(),
		SessionID:         sub.SessionID,
		UserID:            sub.UserID,
		FrontendTimestamp: sub.ClientTimestamp,
		ServerReceivedAt:  received.UTC(),
		EncryptedData:     sub.Payload,
	}
	if err := p.store.SaveRawLog(ctx, raw); err != nil {
		log.Error("failed to store raw payload", "error", err)
		return ""
	}
	return raw.ID
}

func (p *Processor) extract(ctx context.Context, payload string) domain.NormalizedFeatures {
	_, span := traces.StartSpan(ctx, "engine.extract")
	defer span.End()

	start := time.Now()
	events := decoder.Decode(payload)
	metrics.ObserveStage("decode", start)
	if len(events) == 0 {
		return nil
	}

	start = time.Now()
	raw := features.Extract(events)
	metrics.ObserveStage("extract", start)
	if len(raw) == 0 {
		return nil
	}

	start = time.Now()
	normalized := p.normalizer.Normalize(raw)
	metrics.ObserveStage("normalize", start)
	return normalized
}

func (p *Processor) loadProfile(ctx context.Context, log *slog.Logger, userID string) *domain.UserProfile {
	ctx, span := traces.StartSpan(ctx, "engine.profile")
	defer span.End()
	defer metrics.ObserveStage("profile", time.Now())

	baseline, err := p.profiles.GetProfile(ctx, userID)
	switch {
	case err == nil:
		return baseline
	case errors.Is(err, domain.ErrProfileNotFound):
		log.Debug("no existing profile, treating as new user")
	default:
		traces.RecordError(span, err)
		log.Warn("profile unavailable, scoring without baseline", "error", err)
	}
	return nil
}

func (p *Processor) learn(ctx context.Context, log *slog.Logger, userID string, normalized domain.NormalizedFeatures) {
	ctx, span := traces.StartSpan(ctx, "engine.update_profile")
	defer span.End()
	defer metrics.ObserveStage("update_profile", time.Now())

	if err := p.updater.Update(ctx, userID, normalized); err != nil {
		traces.RecordError(span, err)
		metrics.ProfileUpdatesTotal.WithLabelValues("error").Inc()
		log.Error("failed to update profile", "error", err)
		return
	}
	metrics.ProfileUpdatesTotal.WithLabelValues("ok").Inc()
}

func (p *Processor) logSession(ctx context.Context, log *slog.Logger, outcome *domain.SessionOutcome, rawID string) {
	ctx, span := traces.StartSpan(ctx, "engine.log_session")
	defer span.End()
	defer metrics.ObserveStage("log_session", time.Now())

	entry := &domain.SessionLog{
		SessionID:         outcome.SessionID,
		UserID:            outcome.UserID,
		Timestamp:         outcome.Timestamp,
		RiskScore:         outcome.RiskScore,
		ActionTaken:       outcome.Action,
		RawLogID:          rawID,
		ProcessedFeatures: outcome.Features,
	}
	if err := p.store.SaveSessionLog(ctx, entry); err != nil {
		traces.RecordError(span, err)
		log.Error("failed to save session log", "error", err)
	}
}

func (p *Processor) evaluateAlert(ctx context.Context, log *slog.Logger, outcome *domain.SessionOutcome) *domain.AlertRecord {
	if p.alerts == nil {
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "engine.alert")
	defer span.End()
	defer metrics.ObserveStage("alert", time.Now())

	rec, err := p.alerts.Evaluate(ctx, outcome)
	if err != nil {
		traces.RecordError(span, err)
		log.Error("alert evaluation failed", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	metrics.AlertsTotal.WithLabelValues(rec.Reason).Inc()
	log.Warn("alert raised", "reason", rec.Reason, "risk_score", rec.RiskScore)

	if err := p.store.SaveAlert(ctx, rec); err != nil {
		traces.RecordError(span, err)
		log.Error("failed to save alert", "error", err)
	}
	return rec
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
