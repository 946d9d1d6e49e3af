package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Uplink errors.
	ErrNotConnected       = fmt.Errorf("uplink not connected")
	ErrConnectTimeout     = fmt.Errorf("connect timed out")
	ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted")
	ErrUplinkClosing      = fmt.Errorf("uplink is closing")

	// Dispatcher errors.
	ErrParse = fmt.Errorf("malformed frame")

	// Target resolution errors.
	ErrNoTarget       = fmt.Errorf("no execution target available")
	ErrTargetNotReady = fmt.Errorf("target not fully loaded")

	// Sandbox errors.
	ErrSandbox        = fmt.Errorf("sandbox execution failed")
	ErrTargetGone     = fmt.Errorf("execution target no longer exists")
	ErrInvalidPayload = fmt.Errorf("invalid extraction payload")

	// Admission errors.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")

	// Configuration errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Uplink.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotConnected       ErrorCode = "UPLINK_NOT_CONNECTED"
	CodeConnectTimeout     ErrorCode = "UPLINK_CONNECT_TIMEOUT"
	CodeReconnectExhausted ErrorCode = "UPLINK_RECONNECT_EXHAUSTED"
	CodeUplinkClosing      ErrorCode = "UPLINK_CLOSING"
	CodeParse              ErrorCode = "FRAME_PARSE"
	CodeNoTarget           ErrorCode = "NO_TARGET"
	CodeTargetNotReady     ErrorCode = "TARGET_NOT_READY"
	CodeTargetGone         ErrorCode = "TARGET_GONE"
	CodeSandbox            ErrorCode = "SANDBOX_FAILURE"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:       CodeNotConnected,
	ErrConnectTimeout:     CodeConnectTimeout,
	ErrReconnectExhausted: CodeReconnectExhausted,
	ErrUplinkClosing:      CodeUplinkClosing,
	ErrParse:              CodeParse,
	ErrNoTarget:           CodeNoTarget,
	ErrTargetNotReady:     CodeTargetNotReady,
	ErrTargetGone:         CodeTargetGone,
	ErrSandbox:            CodeSandbox,
	ErrInvalidPayload:     CodeInvalidPayload,
	ErrRateLimit:          CodeRateLimit,
	ErrConfigLoad:         CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
