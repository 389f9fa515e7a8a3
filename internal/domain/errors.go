package domain

import "errors"

// Configuration errors. These block Start() before any I/O happens.
var (
	ErrSinkPathRequired = errors.New("sink path is required")
	ErrNoEnabledRanges  = errors.New("at least one enabled address range is required")
	ErrIntervalTooShort = errors.New("collection interval must be at least 100ms")
	ErrInvalidRange     = errors.New("invalid address range")
	ErrInvalidDataType  = errors.New("invalid data type")
	ErrRangeNotFound    = errors.New("address range not found")
	ErrRangeExists      = errors.New("address range already exists")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidSlaveID   = errors.New("invalid slave ID")
	ErrAddressRequired  = errors.New("device address is required")
)

// Transport errors. Retryable; a cycle records them and the session
// continues.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrNotConnected       = errors.New("device not connected")
	ErrReadFailed         = errors.New("read operation failed")
	ErrReadTimeout        = errors.New("read operation timed out")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrDeviceFault        = errors.New("device reported an exception")
)

// Decode errors. Decoding never fails a cycle; these end up inside failed
// DecodedValue entries.
var (
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrOddWordCount        = errors.New("32-bit type requires register pairs")
)

// Validation and persistence errors.
var (
	ErrBatchInvalid    = errors.New("batch result failed validation")
	ErrSinkInitFailed  = errors.New("sink initialization failed")
	ErrSinkWriteFailed = errors.New("sink write failed")
	ErrSinkClosed      = errors.New("sink is closed")
	ErrColumnMismatch  = errors.New("row does not match sink header")
	ErrNoDataToExport  = errors.New("no data to export")
)

// Session errors.
var (
	ErrCollectorRunning    = errors.New("collection session already running")
	ErrCollectorNotRunning = errors.New("no collection session running")
	ErrCycleInFlight       = errors.New("a collection cycle is already in flight")
)

// Publisher errors.
var (
	ErrPublishFailed         = errors.New("publish failed")
	ErrPublisherNotConnected = errors.New("publisher not connected")
)
