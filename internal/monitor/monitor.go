// Package monitor watches active session keys for expiry, spending anomalies,
// and velocity bursts, pausing keys that trip the hard thresholds.
//
// Pause deadlines are persisted in the pause event's payload and re-derived
// from the store on every sweep, so a restart never loses a scheduled
// re-activation.
package monitor

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbirch/weft/internal/amount"
	"github.com/mbirch/weft/internal/idgen"
	"github.com/mbirch/weft/internal/metrics"
	"github.com/mbirch/weft/internal/sessionkeys"
)

// Alert levels graded by how close a key is to its caps.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Alert types written into security_alert event payloads.
const (
	AlertSpending     = "spending"
	AlertVelocity     = "velocity"
	AlertPattern      = "pattern"
	AlertRoundAmounts = "round_amounts"
)

const (
	spendingWindow = 24 * time.Hour
	dailyWindow    = 24 * time.Hour

	velocityShortWindow = 5 * time.Minute
	velocityShortLimit  = 10
	velocityShortPause  = 10 * time.Minute

	velocityLongWindow = time.Hour
	velocityLongLimit  = 100
	velocityLongPause  = 60 * time.Minute

	patternMinTransactions = 5
	patternBucketLimit     = 10
	roundRatioPercent      = 80

	sweepBatch = 500
)

// Monitor is the scheduled anomaly sweep over active session keys.
type Monitor struct {
	store  sessionkeys.Store
	logger *slog.Logger
}

// New creates a session monitor.
func New(store sessionkeys.Store, logger *slog.Logger) *Monitor {
	return &Monitor{store: store, logger: logger}
}

// Sweep runs one pass: expire lapsed keys, check spending/velocity/pattern
// on the rest, apply daily resets, and re-activate paused keys whose pause
// window has elapsed. Per-session failures are logged and skipped; one bad
// key must not starve the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	active, err := m.store.ListByStatus(ctx, sessionkeys.StatusActive, sweepBatch)
	if err != nil {
		m.logger.Warn("monitor: list active keys failed", "error", err)
		return
	}

	for _, key := range active {
		if err := m.checkSession(ctx, key, now); err != nil {
			m.logger.Warn("monitor: session check failed", "session_key_id", key.ID, "error", err)
		}
	}

	m.resumeDue(ctx, now)
	m.updateGauges(ctx)
}

func (m *Monitor) checkSession(ctx context.Context, key *sessionkeys.SessionKey, now time.Time) error {
	// 1. Expiry first; an expired key gets no further checks.
	if now.After(key.ValidUntil) {
		return m.expire(ctx, key)
	}

	txs, err := m.store.ListTransactionsSince(ctx, key.ID, now.Add(-spendingWindow))
	if err != nil {
		return err
	}

	// 2. Spending against the largest per-operation daily cap.
	paused := m.checkSpending(ctx, key, txs)

	// 3. Velocity over the short and long windows.
	if !paused {
		paused = m.checkVelocity(ctx, key, txs, now)
	}

	// 4. Pattern heuristics need a minimum sample.
	if !paused && len(txs) >= patternMinTransactions {
		m.checkPatterns(ctx, key, txs)
	}

	// 5. Daily reset.
	if now.Sub(key.DailyResetAt) >= dailyWindow {
		if err := m.resetDaily(ctx, key, now); err != nil {
			return err
		}
	}
	return nil
}

// checkSpending returns true if it paused the key.
func (m *Monitor) checkSpending(ctx context.Context, key *sessionkeys.SessionKey, txs []*sessionkeys.SessionTransaction) bool {
	maxDaily := maxDailyCap(key.Permissions)
	if maxDaily == nil || maxDaily.Sign() == 0 {
		return false
	}

	spend := big.NewInt(0)
	for _, tx := range txs {
		if v, ok := amount.Parse(tx.Amount); ok {
			spend.Add(spend, v)
		}
	}

	// usage% = spend / maxDaily, compared without division.
	pct := func(threshold int64) bool {
		lhs := new(big.Int).Mul(spend, big.NewInt(100))
		rhs := new(big.Int).Mul(maxDaily, big.NewInt(threshold))
		return lhs.Cmp(rhs) >= 0
	}

	data := map[string]any{
		"dailySpend": amount.Format(spend),
		"dailyCap":   amount.Format(maxDaily),
	}

	switch {
	case pct(100):
		m.alert(ctx, key.ID, AlertSpending, LevelCritical, data)
		// Paused until the daily window rolls over.
		m.pause(ctx, key.ID, AlertSpending, LevelCritical, key.DailyResetAt.Add(dailyWindow))
		return true
	case pct(95):
		m.alert(ctx, key.ID, AlertSpending, LevelCritical, data)
	case pct(80):
		m.alert(ctx, key.ID, AlertSpending, LevelHigh, data)
	}
	return false
}

// checkVelocity returns true if it paused the key.
func (m *Monitor) checkVelocity(ctx context.Context, key *sessionkeys.SessionKey, txs []*sessionkeys.SessionTransaction, now time.Time) bool {
	short, long := 0, 0
	for _, tx := range txs {
		age := now.Sub(tx.CreatedAt)
		if age <= velocityShortWindow {
			short++
		}
		if age <= velocityLongWindow {
			long++
		}
	}

	if long > velocityLongLimit {
		m.alert(ctx, key.ID, AlertVelocity, LevelCritical, map[string]any{
			"window": "1h", "count": long, "limit": velocityLongLimit,
		})
		m.pause(ctx, key.ID, AlertVelocity, LevelCritical, now.Add(velocityLongPause))
		return true
	}
	if short > velocityShortLimit {
		m.alert(ctx, key.ID, AlertVelocity, LevelHigh, map[string]any{
			"window": "5m", "count": short, "limit": velocityShortLimit,
		})
		m.pause(ctx, key.ID, AlertVelocity, LevelHigh, now.Add(velocityShortPause))
		return true
	}
	return false
}

func (m *Monitor) checkPatterns(ctx context.Context, key *sessionkeys.SessionKey, txs []*sessionkeys.SessionTransaction) {
	type bucket struct{ to, amt string }
	buckets := make(map[bucket]int)
	round := 0
	for _, tx := range txs {
		buckets[bucket{tx.ToAddress, tx.Amount}]++
		if amount.IsWhole(tx.Amount) {
			round++
		}
	}

	for b, count := range buckets {
		if count > patternBucketLimit {
			m.alert(ctx, key.ID, AlertPattern, LevelMedium, map[string]any{
				"toAddress": b.to, "amount": b.amt, "count": count,
			})
		}
	}

	if round*100 > len(txs)*roundRatioPercent {
		m.alert(ctx, key.ID, AlertRoundAmounts, LevelLow, map[string]any{
			"roundCount": round, "total": len(txs),
		})
	}
}

func (m *Monitor) resetDaily(ctx context.Context, key *sessionkeys.SessionKey, now time.Time) error {
	key.DailyUsed = "0"
	key.DailyResetAt = now
	event := m.newEvent(key.ID, sessionkeys.EventUsed, sessionkeys.SeverityInfo, map[string]any{
		"action": "daily_usage_reset",
	})
	return m.store.UpdateUsageWithEvent(ctx, key, event)
}

func (m *Monitor) expire(ctx context.Context, key *sessionkeys.SessionKey) error {
	event := m.newEvent(key.ID, sessionkeys.EventExpired, sessionkeys.SeverityInfo, map[string]any{
		"validUntil": key.ValidUntil.Format(time.RFC3339),
	})
	if err := m.store.TransitionStatusWithEvent(ctx, key.ID, sessionkeys.StatusExpired, event); err != nil {
		return err
	}
	m.logger.Info("monitor: session expired", "session_key_id", key.ID)
	return nil
}

// pause suspends a key and persists the resume deadline in the event payload.
func (m *Monitor) pause(ctx context.Context, keyID, alertType, level string, resumeAt time.Time) {
	event := m.newEvent(keyID, sessionkeys.EventSecurityAlert, eventSeverity(level), map[string]any{
		"action":    "pause",
		"alertType": alertType,
		"level":     level,
		"resumeAt":  resumeAt.Format(time.RFC3339),
	})
	if err := m.store.TransitionStatusWithEvent(ctx, keyID, sessionkeys.StatusPaused, event); err != nil {
		m.logger.Warn("monitor: pause failed", "session_key_id", keyID, "error", err)
		return
	}
	m.logger.Warn("monitor: session paused",
		"session_key_id", keyID, "alert_type", alertType, "resume_at", resumeAt)
}

// resumeDue re-activates paused keys whose persisted deadline has elapsed.
// A lapsed validUntil wins over re-activation.
func (m *Monitor) resumeDue(ctx context.Context, now time.Time) {
	paused, err := m.store.ListByStatus(ctx, sessionkeys.StatusPaused, sweepBatch)
	if err != nil {
		m.logger.Warn("monitor: list paused keys failed", "error", err)
		return
	}

	for _, key := range paused {
		resumeAt, ok := m.pauseDeadline(ctx, key.ID)
		if !ok || now.Before(resumeAt) {
			continue
		}

		if now.After(key.ValidUntil) {
			if err := m.expire(ctx, key); err != nil {
				m.logger.Warn("monitor: expire on resume failed", "session_key_id", key.ID, "error", err)
			}
			continue
		}

		event := m.newEvent(key.ID, sessionkeys.EventUsed, sessionkeys.SeverityInfo, map[string]any{
			"action": "resumed",
		})
		if err := m.store.TransitionStatusWithEvent(ctx, key.ID, sessionkeys.StatusActive, event); err != nil {
			m.logger.Warn("monitor: resume failed", "session_key_id", key.ID, "error", err)
			continue
		}
		m.logger.Info("monitor: session resumed", "session_key_id", key.ID)
	}
}

// pauseDeadline reads the most recent pause event's resumeAt for a key.
func (m *Monitor) pauseDeadline(ctx context.Context, keyID string) (time.Time, bool) {
	events, err := m.store.ListEvents(ctx, keyID, 50)
	if err != nil {
		m.logger.Warn("monitor: list events failed", "session_key_id", keyID, "error", err)
		return time.Time{}, false
	}
	for _, e := range events {
		if e.EventType != sessionkeys.EventSecurityAlert || e.EventData == nil {
			continue
		}
		if e.EventData["action"] != "pause" {
			continue
		}
		raw, _ := e.EventData["resumeAt"].(string)
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func (m *Monitor) alert(ctx context.Context, keyID, alertType, level string, data map[string]any) {
	payload := map[string]any{
		"alertType": alertType,
		"level":     level,
	}
	for k, v := range data {
		payload[k] = v
	}
	event := m.newEvent(keyID, sessionkeys.EventSecurityAlert, eventSeverity(level), payload)
	if err := m.store.AppendEvent(ctx, event); err != nil {
		m.logger.Warn("monitor: alert write failed", "session_key_id", keyID, "error", err)
		return
	}
	metrics.SessionAlertsTotal.WithLabelValues(alertType).Inc()
	m.logger.Warn("monitor: security alert",
		"session_key_id", keyID, "alert_type", alertType, "level", level)
}

func (m *Monitor) newEvent(keyID string, t sessionkeys.EventType, sev sessionkeys.Severity, data map[string]any) *sessionkeys.SessionEvent {
	return &sessionkeys.SessionEvent{
		ID:           idgen.WithPrefix("evt_"),
		SessionKeyID: keyID,
		EventType:    t,
		EventData:    data,
		Severity:     sev,
		CreatedAt:    time.Now().UTC(),
	}
}

func (m *Monitor) updateGauges(ctx context.Context) {
	if n, err := m.store.CountByStatus(ctx, sessionkeys.StatusActive); err == nil {
		metrics.ActiveSessionKeys.Set(float64(n))
	}
	if n, err := m.store.CountByStatus(ctx, sessionkeys.StatusPaused); err == nil {
		metrics.PausedSessions.Set(float64(n))
	}
}

// Metrics is the monitor's row-count snapshot.
type Metrics struct {
	ActiveSessions  int            `json:"activeSessions"`
	PausedSessions  int            `json:"pausedSessions"`
	ExpiredSessions int            `json:"expiredSessions"`
	AlertsLast24h   int            `json:"alertsLast24h"`
	TopAlertTypes   map[string]int `json:"topAlertTypes"`
}

// Snapshot counts the relevant rows for the ops surface.
func (m *Monitor) Snapshot(ctx context.Context) (*Metrics, error) {
	out := &Metrics{TopAlertTypes: make(map[string]int)}

	var err error
	if out.ActiveSessions, err = m.store.CountByStatus(ctx, sessionkeys.StatusActive); err != nil {
		return nil, err
	}
	if out.PausedSessions, err = m.store.CountByStatus(ctx, sessionkeys.StatusPaused); err != nil {
		return nil, err
	}
	if out.ExpiredSessions, err = m.store.CountByStatus(ctx, sessionkeys.StatusExpired); err != nil {
		return nil, err
	}

	alerts, err := m.store.ListEventsByType(ctx, sessionkeys.EventSecurityAlert, time.Now().Add(-24*time.Hour), 1000)
	if err != nil {
		return nil, err
	}
	out.AlertsLast24h = len(alerts)
	for _, e := range alerts {
		if t, ok := e.EventData["alertType"].(string); ok {
			out.TopAlertTypes[t]++
		}
	}
	return out, nil
}

// maxDailyCap returns the largest maxDailyAmount across permissions as a
// smallest-unit integer, or nil when none is set.
func maxDailyCap(perms []sessionkeys.Permission) *big.Int {
	var best *big.Int
	for _, p := range perms {
		v, ok := amount.Parse(p.MaxDailyAmount)
		if !ok || v == nil {
			continue
		}
		if best == nil || v.Cmp(best) > 0 {
			best = v
		}
	}
	return best
}

func eventSeverity(level string) sessionkeys.Severity {
	switch level {
	case LevelCritical:
		return sessionkeys.SeverityCritical
	case LevelHigh:
		return sessionkeys.SeverityError
	case LevelMedium:
		return sessionkeys.SeverityWarning
	default:
		return sessionkeys.SeverityInfo
	}
}
