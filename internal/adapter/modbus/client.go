// Package modbus provides the Modbus TCP transport used by the collection
// scheduler. It wraps the wire-level client with connection management,
// a circuit breaker, and retry logic; protocol framing is delegated
// entirely to the underlying library.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
	"github.com/shenjianeng2024/modbus-recoder/internal/metrics"
)

// Client reads holding registers from a single Modbus TCP device.
type Client struct {
	config    ClientConfig
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
	metrics   *metrics.Registry
	mu        sync.Mutex
	connected atomic.Bool
	lastError error
}

// ClientConfig holds configuration for a Modbus client.
type ClientConfig struct {
	// Address is the host:port of the device.
	Address string

	// SlaveID is the Modbus slave/unit ID (1-247).
	SlaveID byte

	// Timeout bounds connection establishment and each register read.
	Timeout time.Duration

	// IdleTimeout is how long the underlying connection may sit idle.
	IdleTimeout time.Duration

	// MaxRetries is the number of reconnect attempts on a dropped
	// connection (exponential backoff applied).
	MaxRetries uint64
}

// NewClient creates a new Modbus client with the given configuration.
func NewClient(config ClientConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Client, error) {
	if config.Address == "" {
		return nil, domain.ErrAddressRequired
	}
	if config.SlaveID == 0 || config.SlaveID > 247 {
		return nil, domain.ErrInvalidSlaveID
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	c := &Client{
		config:  config,
		logger:  logger.With().Str("component", "modbus-client").Str("address", config.Address).Logger(),
		metrics: metricsReg,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-%s", config.Address),
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})

	return c, nil
}

// Connect establishes the connection to the device.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	c.logger.Debug().Msg("Connecting to Modbus device")

	handler := modbus.NewTCPClientHandler(c.config.Address)
	handler.Timeout = c.config.Timeout
	handler.SlaveId = c.config.SlaveID
	handler.IdleTimeout = c.config.IdleTimeout

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.lastError = err
			if c.metrics != nil {
				c.metrics.RecordConnection(false)
			}
			return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
	case <-ctx.Done():
		if c.metrics != nil {
			c.metrics.RecordConnection(false)
		}
		return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)
	c.lastError = nil

	if c.metrics != nil {
		c.metrics.RecordConnection(true)
		c.metrics.UpdateActiveConnections(1)
	}

	c.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// Disconnect closes the connection to the device.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}

	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		}
	}

	c.connected.Store(false)
	c.handler = nil
	c.client = nil

	if c.metrics != nil {
		c.metrics.UpdateActiveConnections(0)
	}

	c.logger.Debug().Msg("Disconnected from Modbus device")
	return nil
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ensureConnected reconnects with exponential backoff when the connection
// has been lost. Failure here is a whole-call transport failure.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	op := func() error {
		return c.connectLocked(ctx)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.config.MaxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return nil
}

// ReadRanges performs the combined read request of one collection cycle.
// It returns one RangeData per request, in request order, with per-request
// errors recorded inline. A whole-call failure (device unreachable, context
// cancelled) is returned as an error instead so callers can tell the two
// apart.
func (c *Client) ReadRanges(ctx context.Context, reqs []domain.ReadRequest) ([]domain.RangeData, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	out := make([]domain.RangeData, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
		}

		words, err := c.readHoldingRegisters(req.Start, req.Count)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordReadError(classifyError(err))
			}
			c.logger.Warn().
				Err(err).
				Int("start", req.Start).
				Int("count", req.Count).
				Msg("Range read failed")

			// A dead connection fails every remaining request the same
			// way; report it as a whole-call failure instead.
			if isConnectionError(err) {
				c.markDisconnected()
				return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
			}
			out = append(out, domain.RangeData{Start: req.Start, Err: err})
			continue
		}
		out = append(out, domain.RangeData{Start: req.Start, Words: words})
	}

	return out, nil
}

// readHoldingRegisters reads one contiguous block through the circuit
// breaker and converts the raw bytes to register words.
func (c *Client) readHoldingRegisters(start, count int) ([]uint16, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, domain.ErrNotConnected
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		// The register address on the wire is 0-based; the 1-based
		// scheme used throughout the configuration is shifted here.
		return client.ReadHoldingRegisters(uint16(start-1), uint16(count))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrCircuitBreakerOpen, err)
		}
		var mbErr *modbus.ModbusError
		if errors.As(err, &mbErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceFault, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
	}

	data := result.([]byte)
	if len(data) < count*2 {
		return nil, fmt.Errorf("%w: got %d bytes for %d registers", domain.ErrReadFailed, len(data), count)
	}
	return bytesToWords(data[:count*2]), nil
}

// bytesToWords converts the big-endian byte payload of a register read
// into 16-bit words.
func bytesToWords(data []byte) []uint16 {
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		_ = c.handler.Close()
	}
	c.connected.Store(false)
	c.handler = nil
	c.client = nil
	if c.metrics != nil {
		c.metrics.UpdateActiveConnections(0)
	}
}

// isConnectionError reports whether an error means the TCP connection
// itself is gone, as opposed to a device-level exception.
func isConnectionError(err error) bool {
	if errors.Is(err, domain.ErrNotConnected) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// classifyError maps an error to a metric label.
func classifyError(err error) string {
	switch {
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrReadTimeout):
		return "timeout"
	case isConnectionError(err):
		return "connection"
	default:
		return "device"
	}
}

// HealthCheck probes the device with a one-register read. A device
// exception still proves the device is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := c.readHoldingRegisters(1, 1)
	if err != nil && !errors.Is(err, domain.ErrDeviceFault) {
		return err
	}
	return nil
}
