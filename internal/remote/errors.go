package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/dmitrijs2005/diarysync/internal/common"
)

// maxErrorBody bounds how much of a rejection body ends up in lastError.
const maxErrorBody = 256

// StatusError is a non-2xx answer of the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.kind().Error(), e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.kind().Error(), e.Code, e.Body)
}

func (e *StatusError) kind() error {
	switch {
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return common.ErrNoSession
	case e.Code >= 500:
		return common.ErrServerError
	default:
		return common.ErrServerRejected
	}
}

// Unwrap lets callers match the status class with errors.Is.
func (e *StatusError) Unwrap() error {
	return e.kind()
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}

// classifyTransport maps a failed round trip to the network taxonomy.
// A cancelled parent context is returned untouched so callers can tell a
// shutdown from a delivery failure.
func classifyTransport(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, common.ErrNoSession) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	if reason, _ := Reason(err); reason == "timeout" {
		return fmt.Errorf("%w: %w", common.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", common.ErrNetworkUnreachable, err)
}

// Reason names the transport failure behind err for logs and metrics.
// ok is false when err does not look like a transport failure.
func Reason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "dial", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "reset", true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "eof", true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns", true
	}
	return "", false
}
