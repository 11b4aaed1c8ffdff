// Package sessionkeys implements bounded autonomy for automated workflows.
//
// A session key is an ECDSA keypair delegated by a user's wallet with
// explicit permission caps:
//   - Authority generates the keypair and encrypts the private key with a
//     secret only the user can reproduce (their wallet signature)
//   - Every gated operation is validated against per-operation caps before
//     signing and metered after the on-chain receipt
//   - The owner can revoke instantly; the monitor pauses anomalous keys
package sessionkeys

import (
	"time"
)

// Status represents the lifecycle state of a session key.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused" // Suspended by the monitor or an admin; resumable
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// SecurityLevel labels how much oversight a delegation carries.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityElevated SecurityLevel = "elevated"
)

// Permission defines what a session key may do for one operation. A session
// key has at most one Permission per operation.
type Permission struct {
	Operation           string   `json:"operation"`                 // e.g. "send", "swap", "defi_position"
	MaxAmountPerTx      string   `json:"maxAmountPerTx"`            // Decimal string, 6dp
	MaxDailyAmount      string   `json:"maxDailyAmount"`            // Decimal string, 6dp
	AllowedContracts    []string `json:"allowedContracts,omitempty"` // Empty = any recipient
	RequireConfirmation bool     `json:"requireConfirmation,omitempty"`
	EmergencyStop       bool     `json:"emergencyStop,omitempty"`
}

// SessionKey is a delegated signing key with bounded permissions.
type SessionKey struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"userId"`
	ChainID             int64         `json:"chainId"`
	SessionAddress      string        `json:"sessionAddress"` // Public address of the session keypair
	EncryptedPrivateKey string        `json:"-"`              // Never serialized to clients
	OwnerAddress        string        `json:"ownerAddress"`   // Smart-wallet owner
	ParentAddress       string        `json:"parentAddress"`  // EOA that authorized the delegation
	Status              Status        `json:"status"`
	SecurityLevel       SecurityLevel `json:"securityLevel"`
	ValidUntil          time.Time     `json:"validUntil"`
	CreatedAt           time.Time     `json:"createdAt"`
	RevokedAt           *time.Time    `json:"revokedAt,omitempty"`

	// Usage metering (decimal strings, 6dp)
	TotalUsed    string     `json:"totalUsed"`
	DailyUsed    string     `json:"dailyUsed"`
	DailyResetAt time.Time  `json:"dailyResetAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`

	Permissions []Permission `json:"permissions"`
}

// PermissionFor returns the permission covering an operation, or nil.
func (sk *SessionKey) PermissionFor(operation string) *Permission {
	for i := range sk.Permissions {
		if sk.Permissions[i].Operation == operation {
			return &sk.Permissions[i]
		}
	}
	return nil
}

// IsActive returns true if the key is active and within its validity window.
func (sk *SessionKey) IsActive() bool {
	return sk.Status == StatusActive && time.Now().Before(sk.ValidUntil)
}

// EventType classifies a session event.
type EventType string

const (
	EventCreated       EventType = "created"
	EventUsed          EventType = "used"
	EventSecurityAlert EventType = "security_alert"
	EventRevoked       EventType = "revoked"
	EventExpired       EventType = "expired"
)

// Severity grades a session event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SessionEvent is one append-only audit record for a session key. EventData
// is a free-form payload whose shape depends on the event type; consumers
// must tolerate unknown keys.
type SessionEvent struct {
	ID           string         `json:"id"`
	SessionKeyID string         `json:"sessionKeyId"`
	EventType    EventType      `json:"eventType"`
	EventData    map[string]any `json:"eventData,omitempty"`
	Severity     Severity       `json:"severity"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// SessionTransaction records a successful on-chain action under a key.
type SessionTransaction struct {
	ID              string    `json:"id"`
	SessionKeyID    string    `json:"sessionKeyId"`
	Amount          string    `json:"amount"` // Decimal string, 6dp
	ToAddress       string    `json:"toAddress"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CreateRequest is the payload for creating a session key.
type CreateRequest struct {
	OwnerAddress  string        `json:"ownerAddress" binding:"required"`
	ParentAddress string        `json:"parentAddress" binding:"required"`
	ChainID       int64         `json:"chainId"`
	SecurityLevel SecurityLevel `json:"securityLevel"`
	ValidFor      string        `json:"validFor,omitempty"`   // Duration string, e.g. "24h", "7d"
	ValidUntil    string        `json:"validUntil,omitempty"` // Or exact RFC3339 timestamp
	Permissions   []Permission  `json:"permissions" binding:"required"`
}

// DelegationMessage is the stable-field-name object the parent wallet
// countersigns to authorize a session key.
type DelegationMessage struct {
	SmartWalletAddress string       `json:"smartWalletAddress"`
	SessionKeyAddress  string       `json:"sessionKeyAddress"`
	DelegatedBy        string       `json:"delegatedBy"`
	ChainID            int64        `json:"chainId"`
	SecurityLevel      string       `json:"securityLevel"`
	ValidUntil         int64        `json:"validUntil"` // Unix seconds
	Nonce              string       `json:"nonce"`
	Permissions        []Permission `json:"permissions"`
	Timestamp          int64        `json:"timestamp"`
	Purpose            string       `json:"purpose"`
	ParentSignature    string       `json:"parentSignature,omitempty"`
}

// ValidationResult is the outcome of validating an operation against a key.
type ValidationResult struct {
	IsValid              bool     `json:"isValid"`
	Errors               []string `json:"errors,omitempty"`
	RemainingDailyAmount string   `json:"remainingDailyAmount,omitempty"`
}

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Common validation errors
var (
	ErrKeyNotFound        = &ValidationError{Code: "key_not_found", Message: "Session key not found"}
	ErrKeyNotActive       = &ValidationError{Code: "key_not_active", Message: "Session key is not active"}
	ErrKeyExpired         = &ValidationError{Code: "key_expired", Message: "Session key has expired"}
	ErrNoPermission       = &ValidationError{Code: "no_permission", Message: "No permission for this operation"}
	ErrEmergencyStop      = &ValidationError{Code: "emergency_stop", Message: "Emergency stop is engaged for this operation"}
	ErrExceedsPerTx       = &ValidationError{Code: "exceeds_per_tx", Message: "Amount exceeds per-transaction limit"}
	ErrExceedsDaily       = &ValidationError{Code: "exceeds_daily", Message: "Amount would exceed daily spending limit"}
	ErrContractNotAllowed = &ValidationError{Code: "contract_not_allowed", Message: "Recipient is not in allowed contracts"}
	ErrInvalidAmount      = &ValidationError{Code: "invalid_amount", Message: "Invalid amount format"}
	ErrDuplicateOperation = &ValidationError{Code: "duplicate_operation", Message: "Two permissions for the same operation"}
)
