package blocks

import (
	"errors"
	"fmt"
)

// Kind classifies a block failure for callers that need to branch on the
// failure class without parsing messages.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConfigInvalid     Kind = "config_invalid"
	KindTemplateMalformed Kind = "template_malformed"
	KindUnauthorized      Kind = "unauthorized"
	KindPolicyDenied      Kind = "policy_denied"
	KindHandlerTimeout    Kind = "handler_timeout"
	KindUpstreamError     Kind = "upstream_error"
	KindOnChainError      Kind = "onchain_error"
	KindWebhookError      Kind = "webhook_error"
	KindInternal          Kind = "internal"
)

// Error is a classified block failure. A failed handler fails only its own
// node; the engine stops scheduling that node's dependents.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}
