package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/kimhsiao/postbills/backend/internal/errors"
)

// StatusError maps an unsuccessful HTTP status to the remote error taxonomy.
func StatusError(op string, status int, body string) error {
	msg := fmt.Sprintf("%s failed with status %d", op, status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusNotFound:
		return errors.New(errors.ErrRemoteNotFound, msg)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return errors.New(errors.ErrRemoteTransient, msg)
	default:
		return errors.New(errors.ErrRemoteRejected, msg)
	}
}

// TransportError classifies a failure to reach the remote store. A cancelled
// or expired context keeps its own error in the chain.
func TransportError(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrRemoteTransient, op+" interrupted", err)
	}
	return errors.Wrap(errors.ErrRemoteTransient, op+" request failed", err)
}
