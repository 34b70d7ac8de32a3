// Package nonfatal is the single place where best-effort failures are swallowed.
//
// Resolution, tracking and delivery steps are allowed to fail without
// reaching the trigger's caller. Every such call site reports through Do so
// the policy is applied (and logged) the same way everywhere.
package nonfatal

import (
	"sidekick/internal/logging"
)

// Do logs err as a warning in the given category and reports whether the
// operation succeeded. A nil err is a success and logs nothing.
func Do(category logging.Category, op string, err error) bool {
	if err == nil {
		return true
	}
	logging.Get(category).Warn("%s failed (non-fatal): %v", op, err)
	return false
}

// Value returns v when err is nil, or fallback after logging err.
func Value[T any](category logging.Category, op string, v T, err error, fallback T) T {
	if Do(category, op, err) {
		return v
	}
	return fallback
}
