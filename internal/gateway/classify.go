package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aristath/foliosync/internal/domain"
)

// classifyStatus maps an HTTP status code to an error kind.
// 404 and 409 on mutations mean the target row no longer matches expected
// state (typically already deleted), which is the conflict case.
func classifyStatus(status int) domain.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return domain.KindValidation
	case status == http.StatusNotFound || status == http.StatusConflict:
		return domain.KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return domain.KindNetwork
	case status >= 500:
		return domain.KindNetwork
	default:
		return domain.KindUnknown
	}
}

// classifyTransport maps a transport-level error (no HTTP response at all)
// to an error kind. Context cancellation and every dial/timeout failure are
// network errors; anything else is unknown and retried like one.
func classifyTransport(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.KindNetwork
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return domain.KindNetwork
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return domain.KindNetwork
	}
	return domain.KindUnknown
}

// classified wraps an operation failure with its classification.
func classified(kind domain.ErrorKind, op string, err error) error {
	return domain.NewClassifiedError(kind, op, err)
}

// statusError reports a non-2xx response as a classified error.
func statusError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("status %d", status)
	if len(body) > 0 {
		const maxBody = 256
		if len(body) > maxBody {
			body = body[:maxBody]
		}
		msg = fmt.Sprintf("status %d: %s", status, string(body))
	}
	return classified(classifyStatus(status), op, errors.New(msg))
}
