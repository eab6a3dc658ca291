package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxJitter   = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// State is a step of one orchestrated call.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateWaiting
	StateSucceeded
	StateFailedPermanently
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	case StateFailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// Policy bounds an orchestrated call.
type Policy struct {
	// MaxAttempts is the total number of calls, the first one included.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles after every retry.
	BaseDelay time.Duration
	// MaxJitter is the exclusive upper bound of the random delay added to each wait.
	MaxJitter time.Duration
	// MaxDelay caps the doubled part of a wait. Non-positive means 30s.
	MaxDelay time.Duration
}

// DefaultPolicy returns five attempts, a one second base delay, up to one
// second of jitter and a 30 second cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxJitter:   defaultMaxJitter,
		MaxDelay:    defaultMaxDelay,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Backoff returns the deterministic part of the wait that follows the given
// zero-based attempt: BaseDelay * 2^attempt, capped at MaxDelay. It never
// overflows.
func (p Policy) Backoff(attempt int) time.Duration {
	limit := p.MaxDelay
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d <<= 1
	}
	return min(d, limit)
}

// Attempt describes a retry that is about to wait.
type Attempt struct {
	Index       int
	MaxAttempts int
	Wait        time.Duration
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// IsTransient reports whether err signals a temporarily overloaded upstream
// (HTTP 503 Service Unavailable).
func IsTransient(err error) bool {
	var sc httpStatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	return sc.HTTPStatusCode() == http.StatusServiceUnavailable
}

// Retrier runs calls under a Policy.
type Retrier struct {
	policy    Policy
	sleep     Sleeper
	jitter    func(limit time.Duration) time.Duration
	transient func(error) bool
	onRetry   func(Attempt, error)
	log       *zap.Logger
}

type Option func(*Retrier)

// WithSleeper replaces the delay primitive.
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithJitter replaces the jitter source. fn receives Policy.MaxJitter and must
// return a value in [0, limit).
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.jitter = fn
		}
	}
}

// WithClassifier replaces IsTransient.
func WithClassifier(fn func(error) bool) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.transient = fn
		}
	}
}

// WithOnRetry registers a callback invoked before each wait.
func WithOnRetry(fn func(Attempt, error)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Retrier) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a Retrier. A non-positive MaxAttempts falls back to the default
// of five; negative delays are treated as zero.
func New(p Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy:    p.withDefaults(),
		sleep:     Sleep,
		jitter:    randomJitter,
		transient: IsTransient,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The error of the last attempt is returned as is.
func Do[T any](ctx context.Context, r *Retrier, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := r.policy.MaxAttempts
	log := r.log.With(zap.Int("max_attempts", maxAttempts))

	for attempt := 0; ; attempt++ {
		log.Debug("calling upstream",
			zap.Int("attempt", attempt+1),
			zap.Stringer("state", StateAttempting))

		out, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info("upstream call succeeded after retries",
					zap.Int("attempt", attempt+1),
					zap.Stringer("state", StateSucceeded))
			}
			return out, nil
		}

		if !r.transient(err) || attempt >= maxAttempts-1 {
			log.Error("upstream call failed, giving up",
				zap.Int("attempt", attempt+1),
				zap.Stringer("state", StateFailedPermanently),
				zap.Error(err))
			return zero, err
		}

		wait := r.policy.Backoff(attempt) + r.nextJitter()
		log.Warn("upstream overloaded, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Stringer("state", StateWaiting),
			zap.Error(err))
		if r.onRetry != nil {
			r.onRetry(Attempt{Index: attempt, MaxAttempts: maxAttempts, Wait: wait}, err)
		}

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return zero, errors.Join(sleepErr, err)
		}
	}
}

func (r *Retrier) nextJitter() time.Duration {
	if r.policy.MaxJitter <= 0 {
		return 0
	}
	return r.jitter(r.policy.MaxJitter)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
