// Package pipeline runs telemetry events through the Hive processing
// chain: enrichment, rule detection, anomaly scoring, and risk
// accumulation. Alerts branch off to the playbook engine and the
// notification collaborators.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/anomaly"
	"github.com/lvonguyen/osiris-hive/internal/detect"
	"github.com/lvonguyen/osiris-hive/internal/enrich"
	"github.com/lvonguyen/osiris-hive/internal/event"
	"github.com/lvonguyen/osiris-hive/internal/notify"
	"github.com/lvonguyen/osiris-hive/internal/observability"
	"github.com/lvonguyen/osiris-hive/internal/playbook"
	"github.com/lvonguyen/osiris-hive/internal/risk"
)

// alertTimeout bounds one alert's playbook run plus notification.
const alertTimeout = 2 * time.Minute

// AlertHandler receives detection alerts and fans them out to the
// playbook engine and the notification channels. It is the sink wired
// into the detection engine and can serve concurrent alerts.
type AlertHandler struct {
	playbooks  *playbook.Engine
	dispatcher *notify.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewAlertHandler creates an alert handler. playbooks, dispatcher, and
// metrics may each be nil.
func NewAlertHandler(playbooks *playbook.Engine, dispatcher *notify.Dispatcher, metrics *observability.Metrics, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		playbooks:  playbooks,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// OnAlert handles one detection alert.
func (h *AlertHandler) OnAlert(alert event.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	h.logger.Info("alert raised",
		zap.String("rule_id", alert.RuleID),
		zap.String("rule_title", alert.RuleTitle),
		zap.String("severity", alert.Severity),
		zap.String("agent_id", alert.AgentID),
	)
	if h.metrics != nil {
		h.metrics.AlertsDispatched.WithLabelValues("rule").Inc()
	}

	if h.playbooks != nil {
		result := h.playbooks.OnAlert(ctx, alert)
		if result.Executed {
			h.observePlaybook(result)
			h.logger.Info("playbook completed for alert",
				zap.String("playbook", result.PlaybookName),
				zap.String("rule_title", alert.RuleTitle),
			)
		}
	}

	if h.dispatcher != nil {
		err := h.dispatcher.Dispatch(ctx, notify.Notification{
			Title:    alert.RuleTitle,
			Severity: alert.Severity,
			AgentID:  alert.AgentID,
		})
		if err != nil {
			h.logger.Error("failed to dispatch alert notification", zap.Error(err))
		}
	}
}

// OnCriticalRisk handles a critical risk threshold crossing from the
// accumulator.
func (h *AlertHandler) OnCriticalRisk(alert event.CriticalRiskAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	h.logger.Warn("critical risk threshold crossed",
		zap.String("user", alert.User),
		zap.Int("risk_score", alert.RiskScore),
	)
	if h.metrics != nil {
		h.metrics.AlertsDispatched.WithLabelValues("risk").Inc()
	}

	if h.dispatcher != nil {
		err := h.dispatcher.Dispatch(ctx, notify.Notification{
			Title:    "Critical user risk: " + alert.User,
			Severity: event.CriticalityCritical,
			Message:  "Recommended: " + joinActions(alert.RecommendedActions),
		})
		if err != nil {
			h.logger.Error("failed to dispatch risk notification", zap.Error(err))
		}
	}
}

// observePlaybook records execution, per-step, and duration metrics for
// one completed playbook run.
func (h *AlertHandler) observePlaybook(result playbook.ExecutionResult) {
	if h.metrics == nil {
		return
	}

	status := "success"
	for _, step := range result.Steps {
		if !step.Success {
			status = "failed"
			break
		}
	}
	h.metrics.PlaybooksExecuted.WithLabelValues(result.PlaybookName, status).Inc()
	h.metrics.PlaybookDuration.WithLabelValues(result.PlaybookName).Observe(result.Duration.Seconds())
	for _, step := range result.Steps {
		stepStatus := "success"
		if !step.Success {
			stepStatus = "failed"
		}
		h.metrics.PlaybookSteps.WithLabelValues(string(step.Action), stepStatus).Inc()
	}
}

func joinActions(actions []string) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += "; "
		}
		out += a
	}
	return out
}

// Pipeline is the per-event processing chain. Stage faults are
// isolated: a failing stage logs and the event continues downstream.
type Pipeline struct {
	enricher *enrich.Enricher
	detector *detect.Engine
	scorer   *anomaly.Scorer
	risk     *risk.Accumulator
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// New creates a pipeline over fully constructed stages. risk and
// metrics may be nil.
func New(enricher *enrich.Enricher, detector *detect.Engine, scorer *anomaly.Scorer, accumulator *risk.Accumulator, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		enricher: enricher,
		detector: detector,
		scorer:   scorer,
		risk:     accumulator,
		metrics:  metrics,
		logger:   logger,
	}
}

// Process runs one event through every stage and returns the matched
// detection rules. The event is mutated in place.
func (p *Pipeline) Process(ctx context.Context, ev *event.Event) []detect.MatchedRule {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if p.metrics != nil {
		p.metrics.EventsProcessed.WithLabelValues(ev.Type).Inc()
	}

	p.enricher.Enrich(ctx, ev)

	matches := p.detector.Check(ev)
	if p.metrics != nil {
		for _, m := range matches {
			p.metrics.RuleMatches.WithLabelValues(m.Level).Inc()
		}
	}

	p.scorer.Score(ctx, ev)
	if p.metrics != nil {
		p.metrics.AnomalyScores.Observe(float64(ev.AnomalyScore))
	}

	if p.risk != nil {
		if err := p.risk.Update(ctx, ev); err != nil {
			p.logger.Error("risk update failed",
				zap.String("user", ev.User),
				zap.Error(err),
			)
		}
	}

	return matches
}
