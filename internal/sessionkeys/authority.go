package sessionkeys

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbirch/weft/internal/amount"
	"github.com/mbirch/weft/internal/idgen"
	"github.com/mbirch/weft/internal/metrics"
	"github.com/mbirch/weft/internal/traces"
)

// DefaultTTL is the validity window applied when a create request names none.
const DefaultTTL = 24 * time.Hour

// dailyWindow is how long a daily-usage window lasts before it resets.
const dailyWindow = 24 * time.Hour

// Authority owns the session key lifecycle: creation with an encrypted
// private key, permission validation before signing, and usage metering
// after the receipt.
type Authority struct {
	store   Store
	logger  *slog.Logger
	chainID int64
	maxTTL  time.Duration
	purpose string
	locks   sync.Map // session key ID → *sync.Mutex
}

// NewAuthority creates a session key authority.
func NewAuthority(store Store, logger *slog.Logger, chainID int64, maxTTL time.Duration, purpose string) *Authority {
	if maxTTL <= 0 {
		maxTTL = 30 * 24 * time.Hour
	}
	return &Authority{
		store:   store,
		logger:  logger,
		chainID: chainID,
		maxTTL:  maxTTL,
		purpose: purpose,
	}
}

// lockKey serializes validate/recordUsage per session key within this
// process, closing the check-then-increment window on the usage counters.
func (a *Authority) lockKey(id string) func() {
	v, _ := a.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateResult is what Create hands back: the persisted key and the
// delegation message for the parent wallet to countersign.
type CreateResult struct {
	Key        *SessionKey        `json:"sessionKey"`
	Delegation *DelegationMessage `json:"delegation"`
}

// Create generates a session keypair, encrypts the private key with the
// user's wallet signature, and persists the key, its permissions, and the
// created event in one transaction.
func (a *Authority) Create(ctx context.Context, userID string, req *CreateRequest, userSignature string) (*CreateResult, error) {
	if userID == "" {
		return nil, &ValidationError{Code: "missing_user", Message: "userId is required"}
	}
	if userSignature == "" {
		return nil, &ValidationError{Code: "missing_signature", Message: "userSignature is required to encrypt the session key"}
	}
	if len(req.Permissions) == 0 {
		return nil, &ValidationError{Code: "missing_permissions", Message: "at least one permission is required"}
	}

	seen := make(map[string]bool, len(req.Permissions))
	for _, perm := range req.Permissions {
		if perm.Operation == "" {
			return nil, &ValidationError{Code: "missing_operation", Message: "permission operation is required"}
		}
		if seen[perm.Operation] {
			return nil, ErrDuplicateOperation
		}
		seen[perm.Operation] = true
		if _, ok := amount.Parse(perm.MaxAmountPerTx); !ok {
			return nil, &ValidationError{Code: "invalid_cap", Message: fmt.Sprintf("invalid maxAmountPerTx for %s", perm.Operation)}
		}
		if _, ok := amount.Parse(perm.MaxDailyAmount); !ok {
			return nil, &ValidationError{Code: "invalid_cap", Message: fmt.Sprintf("invalid maxDailyAmount for %s", perm.Operation)}
		}
	}

	validUntil, err := a.resolveValidity(req)
	if err != nil {
		return nil, err
	}

	keypair, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	encrypted, err := EncryptPrivateKey(keypair.PrivateKey, userSignature)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}

	chainID := req.ChainID
	if chainID == 0 {
		chainID = a.chainID
	}
	level := req.SecurityLevel
	if level == "" {
		level = SecurityStandard
	}

	now := time.Now().UTC()
	key := &SessionKey{
		ID:                  idgen.WithPrefix("sk_"),
		UserID:              userID,
		ChainID:             chainID,
		SessionAddress:      keypair.Address,
		EncryptedPrivateKey: encrypted,
		OwnerAddress:        strings.ToLower(req.OwnerAddress),
		ParentAddress:       strings.ToLower(req.ParentAddress),
		Status:              StatusActive,
		SecurityLevel:       level,
		ValidUntil:          validUntil,
		CreatedAt:           now,
		TotalUsed:           "0",
		DailyUsed:           "0",
		DailyResetAt:        now,
		Permissions:         normalizePermissions(req.Permissions),
	}

	event := a.newEvent(key.ID, EventCreated, SeverityInfo, map[string]any{
		"sessionAddress": key.SessionAddress,
		"validUntil":     key.ValidUntil.Format(time.RFC3339),
		"operations":     operations(key.Permissions),
	})
	if err := a.store.CreateWithEvent(ctx, key, event); err != nil {
		return nil, fmt.Errorf("persist session key: %w", err)
	}

	a.logger.Info("session key created",
		"session_key_id", key.ID, "user_id", userID,
		"session_address", key.SessionAddress, "valid_until", key.ValidUntil)

	return &CreateResult{
		Key:        key,
		Delegation: BuildDelegationMessage(key, a.purpose),
	}, nil
}

// Get retrieves a session key. The private key stays encrypted.
func (a *Authority) Get(ctx context.Context, id string) (*SessionKey, error) {
	return a.store.Get(ctx, id)
}

// ListByUser returns a user's session keys, optionally filtered by status.
func (a *Authority) ListByUser(ctx context.Context, userID string, status Status) ([]*SessionKey, error) {
	return a.store.ListByUser(ctx, userID, status)
}

// Validate runs the ordered permission checks for an operation. All failures
// accumulate; a used or security_alert event is always written for an
// existing key.
func (a *Authority) Validate(ctx context.Context, id, operation, amountStr, toAddress string) (*ValidationResult, error) {
	ctx, span := traces.StartSpan(ctx, "sessionkeys.Validate",
		traces.SessionKeyID(id), traces.Operation(operation), traces.Amount(amountStr))
	defer span.End()

	unlock := a.lockKey(id)
	defer unlock()

	key, err := a.store.Get(ctx, id)
	if err != nil {
		// No key row to attach an audit event to.
		metrics.SessionValidationsTotal.WithLabelValues("invalid").Inc()
		return &ValidationResult{IsValid: false, Errors: []string{ErrKeyNotFound.Message}}, nil
	}

	now := time.Now().UTC()
	result := &ValidationResult{IsValid: true}
	fail := func(msg string) {
		result.IsValid = false
		result.Errors = append(result.Errors, msg)
	}

	if key.Status != StatusActive {
		fail(fmt.Sprintf("%s (status: %s)", ErrKeyNotActive.Message, key.Status))
	}
	if now.After(key.ValidUntil) {
		fail(ErrKeyExpired.Message)
		a.enqueueExpiry(key.ID)
	}

	amt, amtOK := amount.Parse(amountStr)
	if !amtOK || amt.Sign() < 0 {
		fail(ErrInvalidAmount.Message)
	}

	perm := key.PermissionFor(operation)
	if perm == nil {
		fail(fmt.Sprintf("%s: %q", ErrNoPermission.Message, operation))
	} else {
		if perm.EmergencyStop {
			fail(ErrEmergencyStop.Message)
		}
		if amtOK {
			if amount.Cmp(amountStr, perm.MaxAmountPerTx) > 0 {
				fail(fmt.Sprintf("%s (%s > %s)", ErrExceedsPerTx.Message, amountStr, perm.MaxAmountPerTx))
			}
			daily := a.effectiveDailyUsed(key, now)
			if amount.Cmp(amount.Add(daily, amountStr), perm.MaxDailyAmount) > 0 {
				fail(fmt.Sprintf("%s (%s + %s > %s)", ErrExceedsDaily.Message, daily, amountStr, perm.MaxDailyAmount))
			} else if result.IsValid {
				result.RemainingDailyAmount = amount.Sub(perm.MaxDailyAmount, daily)
			}
		}
		if len(perm.AllowedContracts) > 0 && !containsFold(perm.AllowedContracts, toAddress) {
			fail(fmt.Sprintf("%s: %s", ErrContractNotAllowed.Message, toAddress))
		}
	}

	params := map[string]any{
		"action":    "validate",
		"operation": operation,
		"amount":    amountStr,
		"toAddress": toAddress,
	}
	if result.IsValid {
		params["remainingDailyAmount"] = result.RemainingDailyAmount
		a.appendEvent(ctx, a.newEvent(key.ID, EventUsed, SeverityInfo, params))
		metrics.SessionValidationsTotal.WithLabelValues("valid").Inc()
	} else {
		result.RemainingDailyAmount = ""
		params["reasons"] = result.Errors
		a.appendEvent(ctx, a.newEvent(key.ID, EventSecurityAlert, SeverityWarning, params))
		metrics.SessionValidationsTotal.WithLabelValues("invalid").Inc()
		a.logger.Warn("session validation rejected",
			"session_key_id", key.ID, "operation", operation,
			"amount", amountStr, "reasons", result.Errors)
	}

	return result, nil
}

// RecordUsage meters a confirmed spend: in one transaction it applies the
// 24-hour reset, increments the counters, and writes the used event. The
// daily cap is re-checked here so a concurrent burst that each passed
// Validate cannot jointly exceed it.
func (a *Authority) RecordUsage(ctx context.Context, id, amountStr, toAddress, txHash string) error {
	unlock := a.lockKey(id)
	defer unlock()

	key, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	amt, ok := amount.Parse(amountStr)
	if !ok || amt.Sign() < 0 {
		return ErrInvalidAmount
	}

	now := time.Now().UTC()
	if now.Sub(key.DailyResetAt) >= dailyWindow {
		key.DailyUsed = "0"
		key.DailyResetAt = now
	}

	newDaily := amount.Add(key.DailyUsed, amountStr)
	if dailyCap := maxDailyCap(key.Permissions); dailyCap != "" && amount.Cmp(newDaily, dailyCap) > 0 {
		a.appendEvent(ctx, a.newEvent(key.ID, EventSecurityAlert, SeverityWarning, map[string]any{
			"action":    "usage_rejected",
			"amount":    amountStr,
			"dailyUsed": key.DailyUsed,
			"dailyCap":  dailyCap,
		}))
		return ErrExceedsDaily
	}

	key.TotalUsed = amount.Add(key.TotalUsed, amountStr)
	key.DailyUsed = newDaily
	key.LastUsedAt = &now

	event := a.newEvent(key.ID, EventUsed, SeverityInfo, map[string]any{
		"action":          "usage",
		"amount":          amountStr,
		"toAddress":       toAddress,
		"transactionHash": txHash,
		"totalUsed":       key.TotalUsed,
		"dailyUsed":       key.DailyUsed,
	})
	if err := a.store.UpdateUsageWithEvent(ctx, key, event); err != nil {
		return fmt.Errorf("persist usage: %w", err)
	}

	tx := &SessionTransaction{
		ID:              idgen.WithPrefix("stx_"),
		SessionKeyID:    key.ID,
		Amount:          amountStr,
		ToAddress:       strings.ToLower(toAddress),
		TransactionHash: txHash,
		CreatedAt:       now,
	}
	if err := a.store.CreateTransaction(ctx, tx); err != nil {
		a.logger.Error("CRITICAL: usage metered but transaction record failed",
			"session_key_id", key.ID, "tx_hash", txHash, "error", err)
	}
	return nil
}

// Revoke permanently disables a session key.
func (a *Authority) Revoke(ctx context.Context, id, reason string) error {
	key, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.Status == StatusRevoked {
		return nil
	}

	event := a.newEvent(id, EventRevoked, SeverityWarning, map[string]any{"reason": reason})
	if err := a.store.TransitionStatusWithEvent(ctx, id, StatusRevoked, event); err != nil {
		return err
	}
	a.logger.Info("session key revoked", "session_key_id", id, "reason", reason)
	return nil
}

// CleanupExpired transitions every active key past its validUntil to
// expired, writing an expired event per key. Returns how many transitioned.
func (a *Authority) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := a.store.ListActiveExpired(ctx, time.Now().UTC(), 500)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		event := a.newEvent(key.ID, EventExpired, SeverityInfo, map[string]any{
			"validUntil": key.ValidUntil.Format(time.RFC3339),
		})
		if err := a.store.TransitionStatusWithEvent(ctx, key.ID, StatusExpired, event); err != nil {
			a.logger.Warn("expire transition failed", "session_key_id", key.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// DecryptKey recovers a session private key for signing. Callers must
// validate the operation first and discard the key promptly.
func (a *Authority) DecryptKey(ctx context.Context, id, userSignature string) (*Keypair, error) {
	key, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	priv, err := DecryptPrivateKey(key.EncryptedPrivateKey, userSignature)
	if err != nil {
		return nil, err
	}
	return &Keypair{PrivateKey: priv, Address: key.SessionAddress}, nil
}

// --- helpers ---

func (a *Authority) resolveValidity(req *CreateRequest) (time.Time, error) {
	now := time.Now().UTC()
	var validUntil time.Time

	switch {
	case req.ValidUntil != "":
		t, err := time.Parse(time.RFC3339, req.ValidUntil)
		if err != nil {
			return time.Time{}, &ValidationError{Code: "invalid_validity", Message: "validUntil must be RFC3339"}
		}
		validUntil = t
	case req.ValidFor != "":
		d, err := parseDuration(req.ValidFor)
		if err != nil {
			return time.Time{}, &ValidationError{Code: "invalid_validity", Message: "validFor must be a duration like 24h or 7d"}
		}
		validUntil = now.Add(d)
	default:
		validUntil = now.Add(DefaultTTL)
	}

	if !validUntil.After(now) {
		return time.Time{}, &ValidationError{Code: "invalid_validity", Message: "validity window is already past"}
	}
	if validUntil.After(now.Add(a.maxTTL)) {
		validUntil = now.Add(a.maxTTL)
	}
	return validUntil, nil
}

func (a *Authority) effectiveDailyUsed(key *SessionKey, now time.Time) string {
	if now.Sub(key.DailyResetAt) >= dailyWindow {
		return "0"
	}
	return key.DailyUsed
}

// enqueueExpiry transitions a lapsed key to expired outside the read path.
func (a *Authority) enqueueExpiry(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		event := a.newEvent(id, EventExpired, SeverityInfo, map[string]any{"action": "lazy_expiry"})
		if err := a.store.TransitionStatusWithEvent(ctx, id, StatusExpired, event); err != nil {
			a.logger.Warn("lazy expiry failed", "session_key_id", id, "error", err)
		}
	}()
}

func (a *Authority) newEvent(keyID string, t EventType, sev Severity, data map[string]any) *SessionEvent {
	return &SessionEvent{
		ID:           idgen.WithPrefix("evt_"),
		SessionKeyID: keyID,
		EventType:    t,
		EventData:    data,
		Severity:     sev,
		CreatedAt:    time.Now().UTC(),
	}
}

// appendEvent writes an audit event; failures are logged, never surfaced.
func (a *Authority) appendEvent(ctx context.Context, event *SessionEvent) {
	if err := a.store.AppendEvent(ctx, event); err != nil {
		a.logger.Warn("session event write failed",
			"session_key_id", event.SessionKeyID, "event_type", event.EventType, "error", err)
	}
}

func normalizePermissions(perms []Permission) []Permission {
	out := make([]Permission, len(perms))
	for i, p := range perms {
		cp := p
		cp.AllowedContracts = make([]string, len(p.AllowedContracts))
		for j, addr := range p.AllowedContracts {
			cp.AllowedContracts[j] = strings.ToLower(addr)
		}
		out[i] = cp
	}
	return out
}

func operations(perms []Permission) []string {
	ops := make([]string, len(perms))
	for i, p := range perms {
		ops[i] = p.Operation
	}
	return ops
}

// maxDailyCap returns the largest per-operation daily cap, or "" when no
// permission carries one.
func maxDailyCap(perms []Permission) string {
	best := ""
	for _, p := range perms {
		if p.MaxDailyAmount == "" {
			continue
		}
		if best == "" || amount.Cmp(p.MaxDailyAmount, best) > 0 {
			best = p.MaxDailyAmount
		}
	}
	return best
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func parseDuration(s string) (time.Duration, error) {
	// Support "7d" for days
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
