package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sschepis/oboto-server/internal/events"
)

// AuthError marks a provider failure caused by credentials or account
// standing rather than by the request itself.
type AuthError struct {
	Message    string
	Suggestion string
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ClassifyError inspects an API failure and wraps credential problems
// in *AuthError. The API reports these through the error text, so the
// match is on message patterns, not types. Anything unrecognized
// passes through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid x-api-key"),
		strings.Contains(msg, "authentication_error"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "unauthorized"):
		return &AuthError{
			Message:    "The Anthropic API rejected the configured key.",
			Suggestion: "Set a valid anthropic_api_key in the config file (or ANTHROPIC_API_KEY) and restart the server.",
			Err:        err,
		}
	case strings.Contains(msg, "403"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "permission_error"):
		return &AuthError{
			Message:    "The configured key is not permitted to use this model.",
			Suggestion: "Check the key's workspace permissions or pick a different model in the config file.",
			Err:        err,
		}
	case strings.Contains(msg, "credit balance"):
		return &AuthError{
			Message:    "The Anthropic account has run out of credits.",
			Suggestion: "Top up the account or switch to a key with remaining credits.",
			Err:        err,
		}
	}
	return err
}

// IsAuth reports whether err is (or wraps) an authentication failure.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Classifier turns provider failures into the user-facing remedy the
// auth-error broadcast carries.
type Classifier struct{}

func (Classifier) Remedy(err error) events.Remedy {
	classified := ClassifyError(err)
	var authErr *AuthError
	if errors.As(classified, &authErr) {
		return events.Remedy{Message: authErr.Message, Suggestion: authErr.Suggestion}
	}
	if classified == nil {
		return events.Remedy{}
	}
	return events.Remedy{
		Message:    classified.Error(),
		Suggestion: "Check the server logs for details.",
	}
}
