// Package risk maintains decaying per-user risk scores and raises
// alerts when accumulated risk crosses its thresholds.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/event"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

const (
	scoreKeyPrefix  = "risk_score:user:"
	alertKeyPrefix  = "critical_alert:"
	criticalListKey = "critical_alerts"
	criticalListMax = 100
	alertTTL        = 7 * 24 * time.Hour
	maxScore        = 1000
)

// Risk levels reported alongside scores.
const (
	LevelNormal   = "normal"
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

var recommendedActions = []string{
	"Isolate user account",
	"Review recent activities",
	"Check for lateral movement",
	"Initiate incident response",
}

// CriticalSink receives critical risk alerts for downstream handling.
type CriticalSink interface {
	OnCriticalRisk(alert event.CriticalRiskAlert)
}

// Accumulator tracks per-user risk over the backing store. Each update
// decays the stored score before adding the event's anomaly score, so
// quiet users drift back toward zero while the score TTL handles full
// expiry.
type Accumulator struct {
	kv     store.Store
	sink   CriticalSink
	logger *zap.Logger

	mu                sync.RWMutex
	decayFactor       float64
	criticalThreshold int
	highThreshold     int
	mediumThreshold   int
	lowThreshold      int
	scoreTTL          time.Duration
}

// Config seeds the accumulator thresholds.
type Config struct {
	DecayFactor       float64
	CriticalThreshold int
	HighThreshold     int
	ScoreTTL          time.Duration
}

// NewAccumulator creates a risk accumulator. sink may be nil.
func NewAccumulator(kv store.Store, cfg Config, sink CriticalSink, logger *zap.Logger) *Accumulator {
	a := &Accumulator{
		kv:                kv,
		sink:              sink,
		logger:            logger,
		decayFactor:       cfg.DecayFactor,
		criticalThreshold: cfg.CriticalThreshold,
		highThreshold:     cfg.HighThreshold,
		mediumThreshold:   40,
		lowThreshold:      20,
		scoreTTL:          cfg.ScoreTTL,
	}
	if a.decayFactor <= 0 || a.decayFactor >= 1 {
		a.decayFactor = 0.95
	}
	if a.criticalThreshold == 0 {
		a.criticalThreshold = 100
	}
	if a.highThreshold == 0 {
		a.highThreshold = 70
	}
	if a.scoreTTL == 0 {
		a.scoreTTL = 24 * time.Hour
	}
	return a
}

// Update folds the event's anomaly score into its user's risk score and
// tags the event when a threshold is crossed. Events without a user or
// a positive anomaly score are left untouched.
func (a *Accumulator) Update(ctx context.Context, ev *event.Event) error {
	if ev.AnomalyScore <= 0 || ev.User == "" {
		return nil
	}

	newScore, err := a.accumulate(ctx, ev.User, ev.AnomalyScore)
	if err != nil {
		return err
	}

	if ev.Data == nil {
		ev.Data = make(map[string]any)
	}
	ev.Data["user_risk_score"] = newScore
	ev.Data["risk_level"] = a.Level(newScore)

	a.mu.RLock()
	critical := a.criticalThreshold
	high := a.highThreshold
	a.mu.RUnlock()

	switch {
	case newScore > critical:
		ev.AddTag("critical_risk")
		a.logger.Warn("critical risk threshold crossed",
			zap.String("user", ev.User),
			zap.Int("risk_score", newScore),
		)
		a.raiseCriticalAlert(ctx, ev, newScore)
	case newScore > high:
		ev.AddTag("high_risk")
		a.logger.Info("high risk user",
			zap.String("user", ev.User),
			zap.Int("risk_score", newScore),
		)
	}

	return nil
}

// accumulate applies decay, adds the anomaly score, clamps to maxScore,
// and persists with the score TTL.
func (a *Accumulator) accumulate(ctx context.Context, user string, anomalyScore int) (int, error) {
	key := scoreKeyPrefix + user

	raw, err := a.kv.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("reading risk score for %s: %w", user, err)
	}
	current := 0
	if raw != "" {
		if current, err = strconv.Atoi(raw); err != nil {
			current = 0
		}
	}

	a.mu.RLock()
	decay := a.decayFactor
	ttl := a.scoreTTL
	a.mu.RUnlock()

	newScore := int(float64(current)*decay) + anomalyScore
	if newScore > maxScore {
		newScore = maxScore
	}

	if err := a.kv.Set(ctx, key, strconv.Itoa(newScore), ttl); err != nil {
		return 0, fmt.Errorf("storing risk score for %s: %w", user, err)
	}

	a.logger.Debug("risk score updated",
		zap.String("user", user),
		zap.Int("previous", current),
		zap.Int("anomaly", anomalyScore),
		zap.Int("score", newScore),
	)
	return newScore, nil
}

func (a *Accumulator) raiseCriticalAlert(ctx context.Context, ev *event.Event, score int) {
	alert := event.CriticalRiskAlert{
		Type:      "critical_risk_alert",
		User:      ev.User,
		RiskScore: score,
		Timestamp: time.Now(),
		EventDetails: map[string]any{
			"type":            ev.Type,
			"anomaly_score":   ev.AnomalyScore,
			"anomaly_reasons": append([]string(nil), ev.AnomalyReasons...),
			"host":            ev.Host,
			"agent_id":        ev.AgentID,
		},
		RecommendedActions: append([]string(nil), recommendedActions...),
	}

	data, err := json.Marshal(alert)
	if err != nil {
		a.logger.Error("encoding critical alert", zap.Error(err))
		return
	}

	alertKey := fmt.Sprintf("%s%s:%d", alertKeyPrefix, ev.User, time.Now().Unix())
	if err := a.kv.Set(ctx, alertKey, string(data), alertTTL); err != nil {
		a.logger.Error("storing critical alert", zap.Error(err))
		return
	}
	if err := a.kv.PushCapped(ctx, criticalListKey, alertKey, criticalListMax); err != nil {
		a.logger.Error("indexing critical alert", zap.Error(err))
	}

	if a.sink != nil {
		a.sink.OnCriticalRisk(alert)
	}
}

// Score returns a user's current risk score; zero for unknown users.
func (a *Accumulator) Score(ctx context.Context, user string) (int, error) {
	raw, err := a.kv.Get(ctx, scoreKeyPrefix+user)
	if err != nil {
		return 0, fmt.Errorf("reading risk score for %s: %w", user, err)
	}
	if raw == "" {
		return 0, nil
	}
	score, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt risk score for %s: %w", user, err)
	}
	return score, nil
}

// Reset deletes a user's risk score.
func (a *Accumulator) Reset(ctx context.Context, user string) error {
	if err := a.kv.Delete(ctx, scoreKeyPrefix+user); err != nil {
		return fmt.Errorf("resetting risk score for %s: %w", user, err)
	}
	a.logger.Info("risk score reset", zap.String("user", user))
	return nil
}

// UserRisk is one entry in the high-risk listing.
type UserRisk struct {
	User      string `json:"user"`
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
}

// HighRiskUsers lists users at or above the high threshold, highest
// score first, capped at limit.
func (a *Accumulator) HighRiskUsers(ctx context.Context, limit int) ([]UserRisk, error) {
	if limit <= 0 {
		limit = 10
	}
	keys, err := a.kv.Keys(ctx, scoreKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scanning risk scores: %w", err)
	}

	a.mu.RLock()
	high := a.highThreshold
	a.mu.RUnlock()

	var users []UserRisk
	for _, key := range keys {
		raw, err := a.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		score, err := strconv.Atoi(raw)
		if err != nil || score < high {
			continue
		}
		users = append(users, UserRisk{
			User:      strings.TrimPrefix(key, scoreKeyPrefix),
			RiskScore: score,
			RiskLevel: a.Level(score),
		})
	}

	sort.Slice(users, func(i, j int) bool { return users[i].RiskScore > users[j].RiskScore })
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// CriticalAlerts returns the most recent critical risk alerts.
func (a *Accumulator) CriticalAlerts(ctx context.Context, limit int) ([]event.CriticalRiskAlert, error) {
	if limit <= 0 {
		limit = 10
	}
	keys, err := a.kv.Range(ctx, criticalListKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("listing critical alerts: %w", err)
	}

	var alerts []event.CriticalRiskAlert
	for _, key := range keys {
		raw, err := a.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var alert event.CriticalRiskAlert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Statistics aggregates monitored users by risk level.
func (a *Accumulator) Statistics(ctx context.Context) (map[string]any, error) {
	keys, err := a.kv.Keys(ctx, scoreKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scanning risk scores: %w", err)
	}

	byLevel := map[string]int{
		LevelNormal: 0, LevelLow: 0, LevelMedium: 0, LevelHigh: 0, LevelCritical: 0,
	}
	total := 0
	count := 0
	for _, key := range keys {
		raw, err := a.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		score, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		total += score
		count++
		byLevel[a.Level(score)]++
	}

	avg := 0.0
	if count > 0 {
		avg = float64(total) / float64(count)
	}
	alertCount, err := a.kv.ListLen(ctx, criticalListKey)
	if err != nil {
		alertCount = 0
	}

	return map[string]any{
		"total_users_monitored": count,
		"critical_risk_users":   byLevel[LevelCritical],
		"high_risk_users":       byLevel[LevelHigh],
		"medium_risk_users":     byLevel[LevelMedium],
		"low_risk_users":        byLevel[LevelLow],
		"normal_risk_users":     byLevel[LevelNormal],
		"average_risk_score":    avg,
		"critical_alerts_count": alertCount,
	}, nil
}

// Level maps a risk score to its level label.
func (a *Accumulator) Level(score int) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch {
	case score >= a.criticalThreshold:
		return LevelCritical
	case score >= a.highThreshold:
		return LevelHigh
	case score >= a.mediumThreshold:
		return LevelMedium
	case score >= a.lowThreshold:
		return LevelLow
	default:
		return LevelNormal
	}
}

// UpdateThresholds overrides any provided threshold.
func (a *Accumulator) UpdateThresholds(updates map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := updates["critical"]; ok {
		a.criticalThreshold = v
	}
	if v, ok := updates["high"]; ok {
		a.highThreshold = v
	}
	if v, ok := updates["medium"]; ok {
		a.mediumThreshold = v
	}
	if v, ok := updates["low"]; ok {
		a.lowThreshold = v
	}
	a.logger.Info("risk thresholds updated", zap.Int("changed", len(updates)))
}

// Thresholds returns the current threshold table.
func (a *Accumulator) Thresholds() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]int{
		"critical": a.criticalThreshold,
		"high":     a.highThreshold,
		"medium":   a.mediumThreshold,
		"low":      a.lowThreshold,
	}
}

// SetDecayFactor updates the per-update decay. Values outside (0,1)
// are rejected.
func (a *Accumulator) SetDecayFactor(factor float64) error {
	if factor <= 0 || factor >= 1 {
		return fmt.Errorf("decay factor must be in (0,1), got %v", factor)
	}
	a.mu.Lock()
	a.decayFactor = factor
	a.mu.Unlock()
	a.logger.Info("decay factor updated", zap.Float64("factor", factor))
	return nil
}

// DecayFactor returns the current decay factor.
func (a *Accumulator) DecayFactor() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.decayFactor
}
