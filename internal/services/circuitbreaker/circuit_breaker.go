package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// CircuitBreaker guards calls to one analysis provider. State is shared
// through Redis so every instance of the service sees the same breaker.

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

const (
	keyPrefix          = "breaker:"
	stateKey           = "state"
	failureCountKey    = "failures"
	successCountKey    = "successes"
	lastFailureTimeKey = "last_failure"
	lastStateChangeKey = "last_change"
	opTimeout          = 1 * time.Second
	maxTransitionTries = 3
)

// recordSuccessScript atomically records a success. In HalfOpen, enough
// consecutive successes close the breaker.
// KEYS: state, failures, successes, last_change. ARGV: success threshold, now.
const recordSuccessScript = `
	local state = tonumber(redis.call('GET', KEYS[1]) or '0')
	redis.call('SET', KEYS[2], 0)

	if state == 2 then
		local count = redis.call('INCR', KEYS[3])
		if count >= tonumber(ARGV[1]) then
			redis.call('SET', KEYS[1], 0)
			redis.call('SET', KEYS[3], 0)
			redis.call('SET', KEYS[4], ARGV[2])
			return 2
		end
		return 1
	end
	return 0
`

// recordFailureScript atomically records a failure. Enough failures in
// Closed, or any failure in HalfOpen, opens the breaker.
// KEYS: state, failures, last_failure, last_change, successes.
// ARGV: failure threshold, now.
const recordFailureScript = `
	local state = tonumber(redis.call('GET', KEYS[1]) or '0')
	local failures = redis.call('INCR', KEYS[2])
	redis.call('SET', KEYS[3], ARGV[2])

	if (state == 0 and failures >= tonumber(ARGV[1])) or state == 2 then
		redis.call('SET', KEYS[1], 1)
		redis.call('SET', KEYS[4], ARGV[2])
		redis.call('SET', KEYS[5], '0')
		return 1
	end
	return 0
`

type CircuitBreaker struct {
	redisClient *redis.Client
	serviceName string
	config      Config
	prefix      string
}

// NewForProvider builds a breaker for one analysis provider with defaults
// sized for slow LLM backends.
func NewForProvider(redisClient *redis.Client, providerName string) *CircuitBreaker {
	return NewWithConfig(redisClient, providerName, Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
	})
}

func NewWithConfig(redisClient *redis.Client, serviceName string, config Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		redisClient: redisClient,
		serviceName: serviceName,
		config:      config,
		prefix:      keyPrefix + serviceName + ":",
	}

	cb.initializeState()
	return cb
}

func (cb *CircuitBreaker) initializeState() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exists, err := cb.redisClient.Exists(ctx, cb.prefix+stateKey).Result()
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to check state existence: %v", err)
		return
	}

	if exists == 0 {
		pipe := cb.redisClient.Pipeline()
		pipe.Set(ctx, cb.prefix+stateKey, int(Closed), 0)
		pipe.Set(ctx, cb.prefix+failureCountKey, 0, 0)
		pipe.Set(ctx, cb.prefix+successCountKey, 0, 0)
		pipe.Set(ctx, cb.prefix+lastStateChangeKey, time.Now().Unix(), 0)

		if _, err := pipe.Exec(ctx); err != nil {
			fiberlog.Errorf("CircuitBreaker: Failed to initialize state for %s: %v", cb.serviceName, err)
		}
	}
}

// CanExecute reports whether a call may go out. Redis failures fail open:
// a broken breaker must not take the product down with it.
func (cb *CircuitBreaker) CanExecute() bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	state, err := cb.getState(ctx)
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to get state, allowing execution: %v", err)
		return true
	}

	switch state {
	case Closed:
		return true
	case Open:
		lastFailure, err := cb.redisClient.Get(ctx, cb.prefix+lastFailureTimeKey).Int64()
		if err != nil {
			fiberlog.Errorf("CircuitBreaker: Failed to get last failure time: %v", err)
			return false
		}

		if time.Since(time.Unix(lastFailure, 0)) > cb.config.Timeout {
			if cb.transitionToState(HalfOpen) {
				return true
			}
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys := []string{
		cb.prefix + stateKey,
		cb.prefix + failureCountKey,
		cb.prefix + successCountKey,
		cb.prefix + lastStateChangeKey,
	}
	args := []any{cb.config.SuccessThreshold, time.Now().Unix()}

	result, err := cb.redisClient.Eval(ctx, recordSuccessScript, keys, args...).Int()
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to record success: %v", err)
		return
	}

	if result == 2 {
		fiberlog.Infof("CircuitBreaker: %s closed after recovery", cb.serviceName)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys := []string{
		cb.prefix + stateKey,
		cb.prefix + failureCountKey,
		cb.prefix + lastFailureTimeKey,
		cb.prefix + lastStateChangeKey,
		cb.prefix + successCountKey,
	}
	args := []any{cb.config.FailureThreshold, time.Now().Unix()}

	result, err := cb.redisClient.Eval(ctx, recordFailureScript, keys, args...).Int()
	if err != nil {
		fiberlog.Errorf("CircuitBreaker: Failed to record failure: %v", err)
		return
	}

	if result == 1 {
		fiberlog.Warnf("CircuitBreaker: %s opened after repeated failures", cb.serviceName)
	}
}

func (cb *CircuitBreaker) GetState() State {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	state, err := cb.getState(ctx)
	if err != nil {
		return Closed
	}
	return state
}

func (cb *CircuitBreaker) getState(ctx context.Context) (State, error) {
	stateStr, err := cb.redisClient.Get(ctx, cb.prefix+stateKey).Result()
	if err != nil {
		return Closed, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	stateInt, err := strconv.Atoi(stateStr)
	if err != nil {
		return Closed, fmt.Errorf("invalid state value '%s': %w", stateStr, err)
	}

	return State(stateInt), nil
}

func (cb *CircuitBreaker) transitionToState(newState State) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for attempt := range maxTransitionTries {
		err := cb.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			currentState, err := cb.getState(ctx)
			if err != nil {
				return err
			}

			if currentState == newState {
				return nil
			}

			pipe := tx.TxPipeline()
			pipe.Set(ctx, cb.prefix+stateKey, int(newState), 0)
			pipe.Set(ctx, cb.prefix+lastStateChangeKey, time.Now().Unix(), 0)

			if newState != HalfOpen {
				pipe.Set(ctx, cb.prefix+successCountKey, 0, 0)
			}

			_, err = pipe.Exec(ctx)
			return err
		}, cb.prefix+stateKey)

		if err == nil {
			fiberlog.Debugf("CircuitBreaker: %s transitioned to %s", cb.serviceName, newState)
			return true
		}

		if err != redis.TxFailedErr {
			fiberlog.Errorf("CircuitBreaker: %s state transition failed: %v", cb.serviceName, err)
			return false
		}

		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}

	return false
}
