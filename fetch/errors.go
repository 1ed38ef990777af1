package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/go-rod/rod/lib/proto"
)

// ErrInvalidContentType is returned by Client.Document when a successful
// response does not carry markup.
var ErrInvalidContentType = errors.New("fetch: response is not markup")

// Error is a transport failure of an out-of-band fetch, classified into the
// network error reason the browser would have reported for it.
type Error struct {
	URL    string
	Reason proto.NetworkErrorReason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ContentTypeError reports the offending content type of a document fetch.
type ContentTypeError struct {
	URL         string
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("fetch %s: content type %q is not markup", e.URL, e.ContentType)
}

func (e *ContentTypeError) Unwrap() error { return ErrInvalidContentType }

// Reason returns the network error reason for err. Errors that are not
// transport failures map to NetworkErrorReasonFailed.
func Reason(err error) proto.NetworkErrorReason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return classify(err)
}

func classify(err error) proto.NetworkErrorReason {
	if err == nil {
		return proto.NetworkErrorReasonFailed
	}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return proto.NetworkErrorReasonTimedOut
	case errors.As(err, &dnsErr):
		return proto.NetworkErrorReasonNameNotResolved
	case errors.Is(err, syscall.ECONNREFUSED):
		return proto.NetworkErrorReasonConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return proto.NetworkErrorReasonConnectionReset
	case errors.Is(err, syscall.ECONNABORTED), errors.Is(err, context.Canceled):
		return proto.NetworkErrorReasonConnectionAborted
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return proto.NetworkErrorReasonAddressUnreachable
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return proto.NetworkErrorReasonAccessDenied
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proto.NetworkErrorReasonTimedOut
	}
	return proto.NetworkErrorReasonFailed
}
