package ocidist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opencontainers/go-digest"
)

type staticError string

func (err staticError) Error() string {
	return string(err)
}

const ErrInvalidDescriptor = staticError("invalid descriptor")
const ErrDigestMismatch = staticError("digest mismatch")
const ErrNotFound = staticError("not found")
const ErrUnauthorized = staticError("unauthorized")
const ErrForbidden = staticError("forbidden")
const ErrUnsupportedMediaType = staticError("unsupported media type")

// ErrClosed is reported by round trippers that have been shut down.
const ErrClosed = staticError("connection pool is closed")

// DigestMismatchError reports that some content did not hash to the digest,
// or did not have the length, that its descriptor declared.
//
// Integrity failures are never retried: content that arrives with the wrong
// digest cannot be trusted no matter how many times we ask for it.
type DigestMismatchError struct {
	Expected     digest.Digest
	Actual       digest.Digest
	ExpectedSize int64
	ActualSize   int64
}

func (err *DigestMismatchError) Error() string {
	if err.ExpectedSize != err.ActualSize {
		return fmt.Sprintf("content for %s has %d bytes, but %d were expected", err.Expected, err.ActualSize, err.ExpectedSize)
	}
	return fmt.Sprintf("content for %s actually has digest %s", err.Expected, err.Actual)
}

func (err *DigestMismatchError) Is(target error) bool {
	return target == ErrDigestMismatch
}

type NotFoundError struct {
	What string
}

func (err *NotFoundError) Error() string {
	if err.What == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", err.What)
}

func (err *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// RequestError represents a failure to complete an HTTP round trip at all,
// such as a refused connection or a timeout.
type RequestError struct {
	Wrapped error
}

func (err *RequestError) Error() string {
	return fmt.Sprintf("request failed: %s", err.Wrapped)
}

func (err *RequestError) Unwrap() error {
	return err.Wrapped
}

// ServerError represents a response status that indicates a problem which
// might resolve itself if the request is repeated later, such as a 503.
type ServerError struct {
	StatusCode int
	Detail     *RegistryError
}

func (err *ServerError) Error() string {
	if err.Detail != nil {
		return fmt.Sprintf("registry responded with status %d: %s", err.StatusCode, err.Detail)
	}
	return fmt.Sprintf("registry responded with status %d", err.StatusCode)
}

func (err *ServerError) Unwrap() error {
	if err.Detail == nil {
		return nil
	}
	return err.Detail
}

// RegistryError is the first entry of an OCI distribution error response
// body, which has the following shape:
//
//	{"errors": [{"code": "BLOB_UNKNOWN", "message": "...", "detail": ...}]}
type RegistryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`

	// Kind is one of the taxonomy sentinels in this package, or nil if the
	// response didn't correspond to any of them.
	Kind error `json:"-"`
}

func (err *RegistryError) Error() string {
	switch {
	case err.Code != "" && err.Message != "":
		return fmt.Sprintf("%s: %s", err.Code, err.Message)
	case err.Code != "":
		return err.Code
	default:
		return err.Message
	}
}

func (err *RegistryError) Unwrap() error {
	return err.Kind
}

// IsTransient returns true if the given error represents a failure that
// could reasonably succeed if the same operation were attempted again.
//
// Cancellation and the permanent kinds in this package are never transient,
// even when they arrive wrapped in a [RequestError] because they were
// raised by a round tripper.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// The status code decides for a response, whatever its body claims.
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return true
	}
	for _, kind := range permanentKinds {
		if errors.Is(err, kind) {
			return false
		}
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// permanentKinds are never retried. A request body that fails verification
// or a token service that refuses our credentials both surface from
// net/http as transport failures.
var permanentKinds = []error{
	ErrDigestMismatch,
	ErrUnauthorized,
	ErrForbidden,
	ErrNotFound,
	ErrUnsupportedMediaType,
	ErrInvalidDescriptor,
	ErrClosed,
}

// kindForCode maps the error codes from the OCI distribution specification
// to our own taxonomy, where there's an obvious correspondence.
func kindForCode(code string) error {
	switch strings.ToUpper(code) {
	case "BLOB_UNKNOWN", "MANIFEST_UNKNOWN", "NAME_UNKNOWN", "MANIFEST_BLOB_UNKNOWN":
		return ErrNotFound
	case "UNAUTHORIZED":
		return ErrUnauthorized
	case "DENIED":
		return ErrForbidden
	case "UNSUPPORTED":
		return ErrUnsupportedMediaType
	case "DIGEST_INVALID":
		return ErrDigestMismatch
	default:
		return nil
	}
}
