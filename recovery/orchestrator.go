// Package recovery implements reconnection with exponential backoff and
// persisted session-state restore.
//
// The orchestrator is triggered by unexpected disconnects and by network
// online/offline transitions while a session was active. It maintains
// its own retry counter, independent of the session client's, and
// guarantees at most one recovery run is in flight per session: a new
// trigger while a run is active is ignored, and an explicit Cancel (the
// disconnect path) stops the pending timer rather than letting it fire
// into a torn-down session.
package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/event"
	"github.com/opd-ai/voicecore/verr"
)

// Method records what initiated a recovery attempt.
type Method string

const (
	// MethodAuto is recovery triggered by a disconnect or network event.
	MethodAuto Method = "auto"
	// MethodManual is user-requested recovery. It shares the attempt
	// counter and history with auto recovery but skips the backoff
	// delay for its first attempt.
	MethodManual Method = "manual"
	// MethodFallback is recovery against a different endpoint after
	// failover.
	MethodFallback Method = "fallback"
)

// Event names emitted by the orchestrator.
const (
	EventReconnecting     = "reconnecting"
	EventReconnected      = "reconnected"
	EventRecoveryFailed   = "recoveryFailed"
	EventRestoreTolerated = "restoreTolerated"
)

// Attempt is one entry of the append-only recovery audit log.
type Attempt struct {
	Number    int
	Timestamp time.Time
	Method    Method
	Success   bool
	Error     error
	Duration  time.Duration
}

// FailureReport is the payload of EventRecoveryFailed: the terminal
// error plus the full attempt history of the failed run.
type FailureReport struct {
	Err      error
	Attempts []Attempt
}

// RestoreStep re-applies one piece of persisted toggle state after a
// successful reconnect.
type RestoreStep struct {
	Name  string
	Apply func(ctx context.Context) error
}

// Config defines backoff behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	JitterMax  time.Duration
	// AttemptTimeout bounds one reconnect attempt.
	AttemptTimeout time.Duration
	// HistoryLimit caps the audit log.
	HistoryLimit int
}

// DefaultConfig returns the standard backoff parameters.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterMax:      500 * time.Millisecond,
		AttemptTimeout: 15 * time.Second,
		HistoryLimit:   50,
	}
}

// Orchestrator drives reconnection for one session.
type Orchestrator struct {
	mu     sync.Mutex
	config Config

	// reconnect re-invokes the session client, possibly against a
	// different endpoint selected by the failover manager.
	reconnect func(ctx context.Context) error
	// restoreSteps run in fixed order after a successful reconnect;
	// individual failures are tolerated without aborting the recovery.
	restoreSteps []RestoreStep

	events *event.Emitter

	attempt     int
	history     []Attempt
	recovering  bool
	networkType string

	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates an orchestrator. reconnect must be non-nil; restoreSteps
// are applied in the given order after every successful recovery.
func New(config Config, reconnect func(ctx context.Context) error, restoreSteps []RestoreStep) *Orchestrator {
	if config.MaxRetries <= 0 {
		config = DefaultConfig()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "recovery.New",
		"max_retries": config.MaxRetries,
		"base_delay":  config.BaseDelay,
		"max_delay":   config.MaxDelay,
	}).Info("Creating recovery orchestrator")

	return &Orchestrator{
		config:       config,
		reconnect:    reconnect,
		restoreSteps: restoreSteps,
		events:       event.NewEmitter(),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Events exposes the orchestrator's event registry.
func (o *Orchestrator) Events() *event.Emitter {
	return o.events
}

// SetNowFunc injects a clock for deterministic tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// SetSleepFunc injects the backoff wait for deterministic tests. The
// function must return false when the wait was cancelled.
func (o *Orchestrator) SetSleepFunc(sleep func(ctx context.Context, d time.Duration) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sleep = sleep
}

// Trigger starts a recovery run unless one is already in flight. It
// returns true when a run was started.
func (o *Orchestrator) Trigger(method Method) bool {
	o.mu.Lock()
	if o.recovering {
		o.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Orchestrator.Trigger",
			"method":   method,
		}).Debug("Recovery already in flight, ignoring trigger")
		return false
	}
	o.recovering = true
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelRun = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(ctx, method)
	return true
}

// NetworkChanged informs the orchestrator of a network transition.
//
// A change of network type (wifi→cellular and the like) is a fresh
// topology: the attempt counter resets rather than continuing the old
// failure run. Coming back online while a session was previously active
// triggers recovery; going offline cancels any in-flight run.
func (o *Orchestrator) NetworkChanged(networkType string, online bool, wasActive bool) {
	o.mu.Lock()
	typeChanged := o.networkType != "" && o.networkType != networkType
	o.networkType = networkType
	if typeChanged {
		o.attempt = 0
	}
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Orchestrator.NetworkChanged",
		"network_type": networkType,
		"online":       online,
		"type_changed": typeChanged,
	}).Info("Network transition observed")

	if !online {
		o.Cancel()
		return
	}
	if wasActive {
		o.Trigger(MethodAuto)
	}
}

// Cancel stops any in-flight recovery run and waits for it to unwind.
// Disconnect always supersedes recovery; the pending backoff timer is
// cancelled explicitly, not merely ignored.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	o.cancelRun = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Reset clears the attempt counter, for use after an explicit user
// reconnect outside the orchestrator.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempt = 0
}

// History returns a copy of the attempt audit log.
func (o *Orchestrator) History() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Attempt, len(o.history))
	copy(out, o.history)
	return out
}

// IsRecovering reports whether a run is in flight.
func (o *Orchestrator) IsRecovering() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recovering
}

// run executes one recovery run: delay, attempt, repeat until success,
// terminal failure, or cancellation.
func (o *Orchestrator) run(ctx context.Context, method Method) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		o.recovering = false
		o.mu.Unlock()
	}()

	failures := 0
	for {
		o.mu.Lock()
		attempt := o.attempt
		o.mu.Unlock()

		delay := o.backoffDelay(attempt)
		if method == MethodManual && attempt == 0 {
			// Manual recovery reacts to an explicit user action; the
			// first attempt fires immediately.
			delay = 0
		}

		o.events.Emit(EventReconnecting, attempt+1)
		logrus.WithFields(logrus.Fields{
			"function": "Orchestrator.run",
			"attempt":  attempt + 1,
			"delay":    delay,
			"method":   method,
		}).Info("Scheduling reconnection attempt")

		if delay > 0 && !o.sleep(ctx, delay) {
			return // cancelled during backoff
		}
		if ctx.Err() != nil {
			return
		}

		err := o.attemptOnce(ctx, method)
		if err == nil {
			o.mu.Lock()
			o.attempt = 0
			o.mu.Unlock()
			o.restore(ctx)
			o.events.Emit(EventReconnected, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		o.mu.Lock()
		o.attempt++
		o.mu.Unlock()

		if verr.CodeOf(err) == verr.CodeAuthenticationFailed {
			// Authentication failures short-circuit retry entirely; a
			// fresh token is required.
			o.terminate(err)
			return
		}
		if failures >= o.config.MaxRetries {
			o.terminate(verr.New(verr.CodeConnectionFailed,
				"recovery retries exhausted", err).WithRetry(failures, o.config.MaxRetries))
			return
		}
	}
}

// attemptOnce performs one reconnect attempt and records it.
func (o *Orchestrator) attemptOnce(ctx context.Context, method Method) error {
	attemptCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()

	o.mu.Lock()
	number := o.attempt + 1
	start := o.now()
	o.mu.Unlock()

	err := o.reconnect(attemptCtx)

	o.mu.Lock()
	entry := Attempt{
		Number:    number,
		Timestamp: start,
		Method:    method,
		Success:   err == nil,
		Error:     err,
		Duration:  o.now().Sub(start),
	}
	o.history = append(o.history, entry)
	if len(o.history) > o.config.HistoryLimit {
		o.history = o.history[1:]
	}
	o.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Orchestrator.attemptOnce",
			"attempt":  number,
			"error":    err.Error(),
		}).Warn("Reconnection attempt failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Orchestrator.attemptOnce",
			"attempt":  number,
			"duration": entry.Duration,
		}).Info("Reconnection attempt succeeded")
	}
	return err
}

// restore re-applies persisted toggle state in fixed order, tolerating
// individual failures.
func (o *Orchestrator) restore(ctx context.Context) {
	for _, step := range o.restoreSteps {
		if err := step.Apply(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Orchestrator.restore",
				"step":     step.Name,
				"error":    err.Error(),
			}).Warn("State restore step failed, continuing")
			o.events.Emit(EventRestoreTolerated, step.Name)
		}
	}
}

// terminate emits the terminal failure with the full attempt history.
func (o *Orchestrator) terminate(err error) {
	o.mu.Lock()
	attempts := make([]Attempt, len(o.history))
	copy(attempts, o.history)
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Orchestrator.terminate",
		"attempts": len(attempts),
		"error":    err.Error(),
	}).Error("Recovery terminally failed")

	o.events.Emit(EventRecoveryFailed, FailureReport{Err: err, Attempts: attempts})
}

// backoffDelay computes min(maxDelay, base×mult^attempt) plus jitter.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	delay := float64(o.config.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= o.config.Multiplier
		if delay >= float64(o.config.MaxDelay) {
			delay = float64(o.config.MaxDelay)
			break
		}
	}
	d := time.Duration(delay)
	if d > o.config.MaxDelay {
		d = o.config.MaxDelay
	}
	if o.config.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(o.config.JitterMax)))
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled, reporting whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
