package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/visitorhub/dbcore/pkg/dberr"
)

// RetryConfig configuration for the retry manager
type RetryConfig struct {
	MaxRetries     int           `json:"max_retries"` // Retries after the first attempt
	BaseDelay      time.Duration `json:"base_delay"`  // Delay before the first retry
	MaxDelay       time.Duration `json:"max_delay"`   // Upper bound for any single delay
	RetryableKinds []dberr.Kind  `json:"retryable_kinds"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	kinds := make([]dberr.Kind, len(dberr.DefaultRetryableKinds))
	copy(kinds, dberr.DefaultRetryableKinds)
	return RetryConfig{
		MaxRetries:     3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		RetryableKinds: kinds,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// RetryStats tracks cumulative retry statistics
type RetryStats struct {
	TotalAttempts     int64 `json:"total_attempts"`     // Every invocation of an operation
	SuccessfulRetries int64 `json:"successful_retries"` // Executions that succeeded after retrying
	FailedRetries     int64 `json:"failed_retries"`     // Executions that retried and still failed
}

// RetryEvent is delivered to listeners before each backoff wait.
type RetryEvent struct {
	Operation   string        `json:"operation"`
	Attempt     int           `json:"attempt"` // The attempt that just failed, starting at 1
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	Kind        dberr.Kind    `json:"kind"`
	Err         error         `json:"-"`
	Timestamp   time.Time     `json:"timestamp"`
}

// RetryListener receives retry events. Panics are recovered and logged.
type RetryListener func(RetryEvent)

// ShouldRetry decides whether a failed attempt is retried.
type ShouldRetry func(err error) bool

// Option configures a RetryManager.
type Option func(*RetryManager)

// WithClassifier sets the classifier applied to errors that are not yet a
// *dberr.Error.
func WithClassifier(c dberr.Classifier) Option {
	return func(m *RetryManager) {
		m.classifier = c
	}
}

// RetryManager executes operations with bounded exponential backoff.
type RetryManager struct {
	config     RetryConfig
	retryable  map[dberr.Kind]bool
	classifier dberr.Classifier

	totalAttempts     int64
	successfulRetries int64
	failedRetries     int64

	listenerMu sync.RWMutex
	listeners  []RetryListener
}

// NewRetryManager creates a new retry manager
func NewRetryManager(config RetryConfig, opts ...Option) (*RetryManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.RetryableKinds == nil {
		config.RetryableKinds = DefaultRetryConfig().RetryableKinds
	}

	m := &RetryManager{
		config:     config,
		retryable:  make(map[dberr.Kind]bool, len(config.RetryableKinds)),
		classifier: dberr.Network,
	}
	for _, k := range config.RetryableKinds {
		m.retryable[k] = true
	}
	for _, opt := range opts {
		opt(m)
	}

	log.Debug().
		Int("max_retries", config.MaxRetries).
		Dur("base_delay", config.BaseDelay).
		Dur("max_delay", config.MaxDelay).
		Msg("Retry manager created")
	return m, nil
}

// Config returns the manager configuration.
func (m *RetryManager) Config() RetryConfig {
	return m.config
}

// Execute runs op until it succeeds, fails with a non-retryable error or
// MaxRetries+1 attempts have been made.
func (m *RetryManager) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return m.ExecuteWithConditionalRetry(ctx, name, op, m.IsRetryable)
}

// ExecuteWithConditionalRetry is Execute with a caller-supplied retry
// predicate.
func (m *RetryManager) ExecuteWithConditionalRetry(ctx context.Context, name string, op func(context.Context) error, shouldRetry ShouldRetry) error {
	maxAttempts := m.config.MaxRetries + 1

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		atomic.AddInt64(&m.totalAttempts, 1)

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				atomic.AddInt64(&m.successfulRetries, 1)
				log.Debug().Str("operation", name).Int("attempts", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == maxAttempts || ctx.Err() != nil || !shouldRetry(err) {
			break
		}

		delay := m.Delay(attempt - 1)
		m.emitEvent(RetryEvent{
			Operation:   name,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Delay:       delay,
			Kind:        m.kindOf(err),
			Err:         err,
			Timestamp:   time.Now(),
		})
		log.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("Retrying operation")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			atomic.AddInt64(&m.failedRetries, 1)
			return m.aborted(ctx, name, attempt, err)
		}
	}

	if attempts > 1 {
		atomic.AddInt64(&m.failedRetries, 1)
	}
	return m.enrich(name, attempts, lastErr)
}

// IsRetryable reports whether err's effective kind is in the retryable set.
func (m *RetryManager) IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return m.retryable[m.kindOf(err)]
}

// Delay returns the backoff before retry number retry (0-based):
// min(BaseDelay * 2^retry, MaxDelay).
func (m *RetryManager) Delay(retry int) time.Duration {
	delay := m.config.BaseDelay
	for i := 0; i < retry; i++ {
		if delay > m.config.MaxDelay-delay {
			return m.config.MaxDelay
		}
		delay *= 2
	}
	if delay > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return delay
}

// Stats returns cumulative retry statistics
func (m *RetryManager) Stats() RetryStats {
	return RetryStats{
		TotalAttempts:     atomic.LoadInt64(&m.totalAttempts),
		SuccessfulRetries: atomic.LoadInt64(&m.successfulRetries),
		FailedRetries:     atomic.LoadInt64(&m.failedRetries),
	}
}

// Reset zeroes the statistics.
func (m *RetryManager) Reset() {
	atomic.StoreInt64(&m.totalAttempts, 0)
	atomic.StoreInt64(&m.successfulRetries, 0)
	atomic.StoreInt64(&m.failedRetries, 0)
}

// AddListener registers a listener for retry events.
func (m *RetryManager) AddListener(l RetryListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// String returns a string representation of the retry manager
func (m *RetryManager) String() string {
	s := m.Stats()
	return fmt.Sprintf("RetryManager{attempts=%d, successful_retries=%d, failed_retries=%d}",
		s.TotalAttempts, s.SuccessfulRetries, s.FailedRetries)
}

func (m *RetryManager) kindOf(err error) dberr.Kind {
	var e *dberr.Error
	if errors.As(err, &e) {
		return dberr.EffectiveKind(err)
	}
	return m.classifier.Classify(err)
}

func (m *RetryManager) enrich(name string, attempts int, err error) error {
	var e *dberr.Error
	if errors.As(err, &e) {
		enriched := *e
		enriched.Attempts = attempts
		if enriched.Op == "" {
			enriched.Op = name
		}
		return &enriched
	}
	return &dberr.Error{
		Kind:     m.classifier.Classify(err),
		Op:       name,
		Attempts: attempts,
		Err:      err,
	}
}

// aborted reports a backoff wait cut short by ctx. The error keeps the kind
// of the last failure, or query-timeout when ctx hit its deadline, and wraps
// both ctx.Err() and the last failure.
func (m *RetryManager) aborted(ctx context.Context, name string, attempts int, last error) error {
	kind := m.kindOf(last)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = dberr.KindQueryTimeout
	}
	return &dberr.Error{
		Kind:     kind,
		Op:       name,
		Attempts: attempts,
		Err:      fmt.Errorf("retry aborted: %w (last error: %w)", ctx.Err(), last),
	}
}

// emitEvent delivers an event to all registered listeners synchronously.
func (m *RetryManager) emitEvent(event RetryEvent) {
	m.listenerMu.RLock()
	listeners := make([]RetryListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("operation", event.Operation).
						Msg("Panic in retry event listener")
				}
			}()
			l(event)
		}()
	}
}
