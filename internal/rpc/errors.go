// Package rpc implements the node's action-keyed JSON-over-HTTP interface.
// Every request is a JSON object with an "action" field; failures come back
// as a 200 response whose body carries an "error" field.
package rpc

import (
	"strings"

	"github.com/nanoflow/nanoflow/pkg/errors"
)

// Node error strings that mean the block was built on a frontier the
// network has moved past. These are recoverable by refetching the tip and
// rebuilding, so they are marked retryable.
var staleTipMessages = []string{
	"fork",
	"gap previous",
	"old block",
}

// Error strings that mean the queried account has no blocks yet. An open
// block is the correct response, not a failure.
const accountNotFoundMessage = "account not found"

// classifyNodeError turns an "error" field from a node response into a
// typed error for the submission pipeline.
func classifyNodeError(operation, message string) *errors.ClientError {
	lower := strings.ToLower(message)

	if strings.Contains(lower, accountNotFoundMessage) {
		return errors.New(errors.KindRpc, operation, message).
			WithContext("account_missing", true)
	}

	for _, marker := range staleTipMessages {
		if strings.Contains(lower, marker) {
			e := errors.New(errors.KindRpc, operation, message).
				WithContext("stale_tip", true)
			e.Retryable = true
			return e
		}
	}

	return errors.New(errors.KindRpc, operation, message)
}

// IsStaleTip reports whether err is a node rejection caused by an outdated
// frontier.
func IsStaleTip(err error) bool {
	ctx := errors.GetContext(err)
	if ctx == nil {
		return false
	}
	v, ok := ctx["stale_tip"].(bool)
	return ok && v
}

// IsAccountNotFound reports whether err means the account has no chain yet.
func IsAccountNotFound(err error) bool {
	ctx := errors.GetContext(err)
	if ctx == nil {
		return false
	}
	v, ok := ctx["account_missing"].(bool)
	return ok && v
}
