// Package base provides the foundational BaseConnector that qbridge
// connectors embed. It implements common functionality: configuration,
// structured logging, state management, client-side rate limiting, and
// retry with exponential backoff.
package base

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dataglider/qbridge/pkg/clients"
	"github.com/dataglider/qbridge/pkg/config"
	"github.com/dataglider/qbridge/pkg/connector/core"
	"github.com/dataglider/qbridge/pkg/errors"
	"github.com/dataglider/qbridge/pkg/logger"
)

// BaseConnector provides common functionality for all connectors.
type BaseConnector struct {
	name          string
	connectorType core.ConnectorType
	version       string
	config        *config.BaseConfig
	logger        *zap.Logger

	// State for incremental sync, owned by the host
	state      core.State
	stateMutex sync.RWMutex

	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	closeMutex sync.Mutex

	rateLimiter clients.RateLimiter
	retryPolicy *RetryPolicy
}

// NewBaseConnector creates a new base connector with the specified name,
// type, and version. Called by connector implementations during
// construction.
func NewBaseConnector(name string, connectorType core.ConnectorType, version string) *BaseConnector {
	return &BaseConnector{
		name:          name,
		connectorType: connectorType,
		version:       version,
		state:         make(core.State),
		logger:        logger.Get().With(zap.String("connector", name)),
	}
}

// Initialize sets up rate limiting and retry policy from the configuration.
// Must be called before using the connector.
func (bc *BaseConnector) Initialize(ctx context.Context, config *config.BaseConfig) error {
	bc.config = config
	bc.ctx, bc.cancel = context.WithCancel(ctx)

	if config.Reliability.RateLimitPerSec > 0 {
		bc.rateLimiter = clients.NewRateLimiter(
			config.Reliability.RateLimitPerSec,
			config.Reliability.RateLimitPerSec*2, // Allow bursts up to 2x the limit
		)
	}

	attempts := config.Reliability.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	bc.retryPolicy = NewRetryPolicy(attempts, config.Reliability.RetryDelay)
	if config.Reliability.RetryMultiplier > 0 {
		bc.retryPolicy.Multiplier = config.Reliability.RetryMultiplier
	}
	if config.Reliability.MaxRetryDelay > 0 {
		bc.retryPolicy.MaxDelay = config.Reliability.MaxRetryDelay
	}

	bc.logger.Info("connector initialized",
		zap.String("type", string(bc.connectorType)),
		zap.String("version", bc.version))

	return nil
}

// Name returns the connector name
func (bc *BaseConnector) Name() string {
	return bc.name
}

// Type returns the connector type
func (bc *BaseConnector) Type() core.ConnectorType {
	return bc.connectorType
}

// Version returns the connector version
func (bc *BaseConnector) Version() string {
	return bc.version
}

// GetState returns a copy of the current state
func (bc *BaseConnector) GetState() core.State {
	bc.stateMutex.RLock()
	defer bc.stateMutex.RUnlock()

	stateCopy := make(core.State)
	for k, v := range bc.state {
		stateCopy[k] = v
	}
	return stateCopy
}

// SetState updates the connector state
func (bc *BaseConnector) SetState(state core.State) error {
	bc.stateMutex.Lock()
	defer bc.stateMutex.Unlock()

	bc.state = state
	bc.logger.Debug("state updated", zap.Any("state", state))
	return nil
}

// Health performs a health check
func (bc *BaseConnector) Health(ctx context.Context) error {
	if bc.closed {
		return errors.New(errors.ErrorTypeConnection, "connector is closed")
	}
	return nil
}

// Metrics returns current metrics
func (bc *BaseConnector) Metrics() map[string]interface{} {
	metrics := map[string]interface{}{
		"name":    bc.name,
		"type":    bc.connectorType,
		"version": bc.version,
	}

	if bc.rateLimiter != nil {
		rlStats := bc.rateLimiter.GetStats()
		metrics["rate_limit"] = rlStats.Rate
		metrics["rate_limit_burst"] = rlStats.Burst
		metrics["rate_limiter_allowed"] = rlStats.AllowedRequests
		metrics["rate_limiter_blocked"] = rlStats.BlockedRequests
	}

	return metrics
}

// Close shuts down the connector
func (bc *BaseConnector) Close(ctx context.Context) error {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()

	if bc.closed {
		return nil
	}

	bc.logger.Info("closing connector")

	if bc.cancel != nil {
		bc.cancel()
	}

	bc.closed = true
	return nil
}

// ExecuteWithRetry executes a function with automatic retry and
// exponential backoff per the configured retry policy.
func (bc *BaseConnector) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	return bc.retryPolicy.Execute(ctx, fn)
}

// RateLimit enforces the configured rate limit, blocking if necessary.
// Returns immediately if no rate limiter is configured.
func (bc *BaseConnector) RateLimit(ctx context.Context) error {
	if bc.rateLimiter == nil {
		return nil
	}
	return bc.rateLimiter.Wait(ctx)
}

// GetRateLimiter returns the configured rate limiter, or nil when rate
// limiting is disabled.
func (bc *BaseConnector) GetRateLimiter() clients.RateLimiter {
	return bc.rateLimiter
}

// GetRetryPolicy returns the retry policy built during Initialize, or nil
// before initialization.
func (bc *BaseConnector) GetRetryPolicy() *RetryPolicy {
	return bc.retryPolicy
}

// GetLogger returns the connector logger
func (bc *BaseConnector) GetLogger() *zap.Logger {
	return bc.logger
}

// GetConfig returns the connector configuration
func (bc *BaseConnector) GetConfig() *config.BaseConfig {
	return bc.config
}

// GetContext returns the connector context
func (bc *BaseConnector) GetContext() context.Context {
	return bc.ctx
}

// IsClosed reports whether Close has been called
func (bc *BaseConnector) IsClosed() bool {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()
	return bc.closed
}
