// Package verr defines the error taxonomy shared across the voice session
// subsystem.
//
// Every failure surfaced to callers is mapped onto a fixed set of codes so
// UI layers can render accurate, actionable messages and retry progress.
// Errors carry their recoverability and retry bookkeeping; classification
// helpers translate raw SDK and device error text into the taxonomy so no
// unclassified error escapes the subsystem.
package verr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies one member of the fixed error taxonomy.
type Code string

// Connection errors.
const (
	CodeConnectionFailed     Code = "connection_failed"
	CodeServerUnreachable    Code = "server_unreachable"
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeNetworkError         Code = "network_error"
)

// Media device errors.
const (
	CodeMicPermissionDenied    Code = "microphone_permission_denied"
	CodeMicNotFound            Code = "microphone_not_found"
	CodeCameraPermissionDenied Code = "camera_permission_denied"
	CodeCameraNotFound         Code = "camera_not_found"
	CodeScreenPermissionDenied Code = "screen_share_permission_denied"
	CodeMediaDeviceError       Code = "media_device_error"
)

// Processing errors.
const (
	CodeAudioContextError Code = "audio_context_error"
)

// Runtime errors.
const (
	CodeTrackPublishFailed   Code = "track_publish_failed"
	CodeTrackSubscribeFailed Code = "track_subscribe_failed"
	CodeUnexpectedError      Code = "unexpected_error"
)

// Category groups codes for propagation policy decisions.
type Category string

const (
	// CategoryConnection errors are retried by the recovery orchestrator,
	// except authentication failures which always short-circuit retry.
	CategoryConnection Category = "connection"
	// CategoryMedia errors are terminal for the failed action and carry a
	// user-actionable recovery suggestion.
	CategoryMedia Category = "media"
	// CategoryProcessing errors originate in the local audio pipeline.
	CategoryProcessing Category = "processing"
	// CategoryRuntime errors are reclassified transport-layer failures.
	CategoryRuntime Category = "runtime"
)

// Error is the typed error carried across the session subsystem.
//
// Recoverable reports whether the orchestrator may retry the failed
// operation; RetryCount and MaxRetries let callers render accurate retry
// progress. Suggestion, when set, is a user-actionable hint.
type Error struct {
	Code        Code
	Category    Category
	Message     string
	Recoverable bool
	RetryCount  int
	MaxRetries  int
	Suggestion  string
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, enabling errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two taxonomy errors by code, so callers can compare against
// a template error without caring about message or retry bookkeeping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithRetry returns a copy of e annotated with retry progress.
func (e *Error) WithRetry(retryCount, maxRetries int) *Error {
	clone := *e
	clone.RetryCount = retryCount
	clone.MaxRetries = maxRetries
	return &clone
}

// New constructs a taxonomy error with the category and recoverability
// implied by its code.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:        code,
		Category:    categoryOf(code),
		Message:     message,
		Recoverable: recoverableByDefault(code),
		Suggestion:  suggestionFor(code),
		Cause:       cause,
	}
}

// CodeOf extracts the taxonomy code of err, or CodeUnexpectedError when
// err carries no taxonomy information.
func CodeOf(err error) Code {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeUnexpectedError
}

// IsRecoverable reports whether err may be retried. Errors outside the
// taxonomy are treated as unexpected and not retried.
func IsRecoverable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Recoverable
	}
	return false
}

func categoryOf(code Code) Category {
	switch code {
	case CodeConnectionFailed, CodeServerUnreachable, CodeAuthenticationFailed, CodeNetworkError:
		return CategoryConnection
	case CodeMicPermissionDenied, CodeMicNotFound, CodeCameraPermissionDenied,
		CodeCameraNotFound, CodeScreenPermissionDenied, CodeMediaDeviceError:
		return CategoryMedia
	case CodeAudioContextError:
		return CategoryProcessing
	default:
		return CategoryRuntime
	}
}

// recoverableByDefault encodes the propagation policy: connection and
// network failures retry with backoff, authentication never retries, and
// media permission/not-found errors are terminal for that action.
func recoverableByDefault(code Code) bool {
	switch code {
	case CodeConnectionFailed, CodeServerUnreachable, CodeNetworkError,
		CodeTrackPublishFailed, CodeTrackSubscribeFailed:
		return true
	default:
		return false
	}
}

func suggestionFor(code Code) string {
	switch code {
	case CodeMicPermissionDenied:
		return "Grant microphone access in your browser or OS permission settings"
	case CodeCameraPermissionDenied:
		return "Grant camera access in your browser or OS permission settings"
	case CodeScreenPermissionDenied:
		return "Allow screen recording for this application and retry"
	case CodeMicNotFound:
		return "Connect a microphone and retry"
	case CodeCameraNotFound:
		return "Connect a camera and retry"
	case CodeAuthenticationFailed:
		return "Request a fresh join token and reconnect"
	default:
		return ""
	}
}

// DeviceKind names the capture device a media error refers to.
type DeviceKind string

const (
	DeviceMicrophone DeviceKind = "microphone"
	DeviceCamera     DeviceKind = "camera"
	DeviceScreen     DeviceKind = "screen"
)

// ClassifyConnection maps a raw SDK connect error onto the connection
// taxonomy by inspecting its text. Authentication failures must be
// detected here because the orchestrator uses the code to decide whether
// a retry is allowed at all.
func ClassifyConnection(err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, "token", "auth", "unauthorized", "401", "403", "permission denied"):
		return New(CodeAuthenticationFailed, "authentication rejected by media server", err)
	case containsAny(text, "no route", "unreachable", "refused", "dns", "no such host"):
		return New(CodeServerUnreachable, "media server unreachable", err)
	case containsAny(text, "timeout", "timed out", "network", "offline", "reset", "broken pipe"):
		return New(CodeNetworkError, "network failure during connect", err)
	default:
		return New(CodeConnectionFailed, "connection to media server failed", err)
	}
}

// ClassifyDevice maps a raw capture error onto the media taxonomy using
// the browser/OS error name conventions (NotAllowedError, NotFoundError,
// NotReadableError) plus free-text fallbacks.
func ClassifyDevice(kind DeviceKind, err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}

	text := strings.ToLower(err.Error())
	denied := containsAny(text, "notallowederror", "permission", "denied", "not allowed")
	missing := containsAny(text, "notfounderror", "not found", "no device", "no such device")

	switch kind {
	case DeviceMicrophone:
		if denied {
			return New(CodeMicPermissionDenied, "microphone access denied", err)
		}
		if missing {
			return New(CodeMicNotFound, "no microphone available", err)
		}
	case DeviceCamera:
		if denied {
			return New(CodeCameraPermissionDenied, "camera access denied", err)
		}
		if missing {
			return New(CodeCameraNotFound, "no camera available", err)
		}
	case DeviceScreen:
		if denied {
			return New(CodeScreenPermissionDenied, "screen capture denied", err)
		}
	}
	return New(CodeMediaDeviceError, fmt.Sprintf("%s device error", kind), err)
}

// Reclassify wraps an arbitrary transport-layer failure into the runtime
// taxonomy so unhandled SDK errors never escape unclassified.
func Reclassify(err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	return New(CodeUnexpectedError, "unclassified transport error", err)
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
