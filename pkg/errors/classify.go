package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"syscall"
)

// transientMarkers are substrings of error messages produced by remote
// drivers that do not expose typed errors for dropped connections.
var transientMarkers = []string{
	"etimedout",
	"econnreset",
	"econnrefused",
	"epipe",
	"timeout",
	"timed out",
	"connection reset",
	"broken pipe",
	"connection closed",
	"unexpected eof",
}

// Classify maps any error returned by a remote operation to its failure class.
// Unknown errors are fatal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var storeErr *StoreError
	if stderrors.As(err, &storeErr) {
		return storeErr.Class
	}

	switch {
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, io.ErrClosedPipe):
		return ClassCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case stderrors.Is(err, syscall.ECONNRESET), stderrors.Is(err, syscall.EPIPE),
		stderrors.Is(err, syscall.ECONNREFUSED), stderrors.Is(err, syscall.ETIMEDOUT),
		stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, io.EOF):
		return ClassTransient
	}

	var protoErr *textproto.Error
	if stderrors.As(err, &protoErr) {
		return classifyReplyCode(protoErr.Code)
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return ClassTransient
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}

	return ClassFatal
}

// classifyReplyCode maps FTP reply codes to a failure class.
func classifyReplyCode(code int) Class {
	switch {
	case code == 550:
		return ClassNotFound
	case code == 530 || code == 532:
		return ClassFatal
	case code >= 400 && code < 500:
		// 421 service closing, 425/426 data connection, 450/451 local error
		return ClassTransient
	default:
		return ClassFatal
	}
}

// Wrap converts err into a *StoreError carrying its class. Existing store
// errors are returned unchanged so that the original code survives.
func Wrap(err error, code ErrorCode, component, operation string) *StoreError {
	if err == nil {
		return nil
	}

	var storeErr *StoreError
	if stderrors.As(err, &storeErr) {
		return storeErr
	}

	class := Classify(err)
	switch class {
	case ClassNotFound:
		code = ErrCodeObjectNotFound
	case ClassCancelled:
		code = ErrCodeOperationCanceled
	}

	wrapped := NewError(code, err.Error()).
		WithComponent(component).
		WithOperation(operation).
		WithClass(class)
	wrapped.Cause = err
	wrapped.HTTPStatus = GetDefaultHTTPStatus(code)
	return wrapped
}

// IsNotFound reports whether err means the remote object is missing.
func IsNotFound(err error) bool {
	return Classify(err) == ClassNotFound
}

// IsCancelled reports whether err means the caller abandoned the operation.
func IsCancelled(err error) bool {
	return Classify(err) == ClassCancelled
}

// IsFatal reports whether err must abort without retry or fallback.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}

// HTTPStatus returns the HTTP status associated with err.
func HTTPStatus(err error) int {
	var storeErr *StoreError
	if stderrors.As(err, &storeErr) && storeErr.HTTPStatus != 0 {
		return storeErr.HTTPStatus
	}
	switch Classify(err) {
	case ClassNotFound:
		return 404
	case ClassCancelled:
		return 499
	case ClassCapacity:
		return 503
	case ClassTransient:
		return 502
	default:
		return 500
	}
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// HasCode reports whether err carries a *StoreError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var storeErr *StoreError
	return stderrors.As(err, &storeErr) && storeErr.Code == code
}
