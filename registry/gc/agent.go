package gc

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	dcontext "github.com/quay/quay-sub006/context"
	"github.com/quay/quay-sub006/registry/gc/internal"
	"github.com/quay/quay-sub006/registry/gc/internal/metrics"
	"github.com/quay/quay-sub006/registry/gc/worker"
	reginternal "github.com/quay/quay-sub006/registry/internal"
	"github.com/sirupsen/logrus"
)

const (
	componentKey = "component"
	agentName    = "registry.gc.Agent"
)

var (
	defaultInitialInterval      = 5 * time.Second
	defaultMaxBackoff           = 24 * time.Hour
	defaultStartJitter          = 60 * time.Second
	defaultQueueMonitorInterval = 10 * time.Minute
	backoffJitterFactor         = 0.33
	queueSizeMonitorTimeout     = 100 * time.Millisecond

	// for testing purposes (mocks)
	backoffConstructor                   = newBackoff
	systemClock        reginternal.Clock = clock.New()
)

// Agent runs a background worker in a loop. It drives the garbage collection, repository purge, stale upload,
// blob replication and quota workers.
type Agent struct {
	worker          worker.Worker
	logger          dcontext.Logger
	initialInterval time.Duration
	maxBackoff      time.Duration
	noIdleBackoff   bool
	startJitter     time.Duration
	monitorInterval time.Duration
}

// AgentOption provides functional options for NewAgent.
type AgentOption func(*Agent)

// WithLogger sets the logger.
func WithLogger(l dcontext.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithInitialInterval sets the initial interval between worker runs. Defaults to 5 seconds.
func WithInitialInterval(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.initialInterval = d
	}
}

// WithMaxBackoff sets the maximum exponential back off duration used to sleep between worker runs when an error occurs.
// It is also applied when there are no tasks to be processed, unless WithoutIdleBackoff is provided. A randomized
// jitter factor of up to 33% is always added on top. Defaults to 24 hours.
func WithMaxBackoff(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.maxBackoff = d
	}
}

// WithoutIdleBackoff disables exponential back offs between worker runs when there are no task to be processed.
func WithoutIdleBackoff() AgentOption {
	return func(a *Agent) {
		a.noIdleBackoff = true
	}
}

// WithStartJitter sets the upper bound of the random delay before the first worker run. Zero disables the delay.
// Defaults to 60 seconds.
func WithStartJitter(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.startJitter = d
	}
}

// WithQueueMonitorInterval sets how often the worker queue size is measured. Zero disables queue monitoring.
// Defaults to 10 minutes.
func WithQueueMonitorInterval(d time.Duration) AgentOption {
	return func(a *Agent) {
		a.monitorInterval = d
	}
}

func (a *Agent) applyDefaults() {
	if a.logger == nil {
		defaultLogger := logrus.New()
		defaultLogger.SetOutput(io.Discard)
		a.logger = defaultLogger
	}
	if a.initialInterval == 0 {
		a.initialInterval = defaultInitialInterval
	}
	if a.maxBackoff == 0 {
		a.maxBackoff = defaultMaxBackoff
	}
}

// NewAgent creates a new Agent.
func NewAgent(w worker.Worker, opts ...AgentOption) *Agent {
	a := &Agent{
		worker:          w,
		startJitter:     defaultStartJitter,
		monitorInterval: defaultQueueMonitorInterval,
	}
	a.applyDefaults()

	for _, opt := range opts {
		opt(a)
	}

	a.logger = a.logger.WithField(componentKey, agentName)

	return a
}

// Start runs the worker in a loop until ctx is canceled, returning the context error. Runs are separated by the
// initial interval plus an exponential back off, which grows after every failed run and after every run that found
// nothing to do (unless WithoutIdleBackoff was provided). A run that processed a task resets the back off. The first
// run is delayed by a random jitter to spread load across replicas. Cancellation interrupts any pending sleep.
func (a *Agent) Start(ctx context.Context) error {
	name := a.worker.Name()
	log := dcontext.GetLoggerWithField(ctx, "worker", name)
	b := backoffConstructor(a.initialInterval, a.maxBackoff)

	if a.startJitter > 0 {
		jitter := randomJitter(a.startJitter)
		log.WithField("jitter_s", jitter.Seconds()).Info("starting background worker agent")
		if err := sleep(ctx, jitter); err != nil {
			return err
		}
	}

	if a.monitorInterval > 0 {
		mctx, stop := context.WithCancel(ctx)
		defer stop()
		go a.monitorQueueSize(mctx, log)
	}

	for {
		if err := ctx.Err(); err != nil {
			log.Warn("context canceled, exiting")
			return err
		}

		a.runOnce(ctx, log, name, b)

		d := b.NextBackOff()
		log.WithField("duration_s", d.Seconds()).Info("sleeping")
		metrics.WorkerSleep(name, d)
		if err := sleep(ctx, d); err != nil {
			log.Warn("context canceled, exiting")
			return err
		}
	}
}

func (a *Agent) runOnce(ctx context.Context, log dcontext.Logger, name string, b internal.Backoff) {
	start := systemClock.Now()
	log.Info("running worker")

	report := metrics.WorkerRun(name)
	found, err := a.worker.Run(ctx)
	if err != nil {
		log.WithError(err).Error("failed run")
	} else if found || a.noIdleBackoff {
		b.Reset()
	}
	report(!found, err)

	log.WithField("duration_s", systemClock.Since(start).Seconds()).Info("run complete")
}

// monitorQueueSize periodically reports the size of the worker queue until ctx is canceled. Failed measurements
// back off exponentially.
func (a *Agent) monitorQueueSize(ctx context.Context, log dcontext.Logger) {
	queue := a.worker.QueueName()
	log = log.WithField("queue", queue)
	log.WithField("interval_s", a.monitorInterval.Seconds()).Info("starting worker queue monitoring")

	b := backoffConstructor(a.monitorInterval, a.maxBackoff)
	for {
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			log.Info("stopping worker queue monitoring")
			return
		}

		// non-critical lookup, keep it short
		qctx, cancel := context.WithTimeout(ctx, queueSizeMonitorTimeout)
		n, err := a.worker.QueueSize(qctx)
		cancel()
		if err != nil {
			log.WithError(err).Error("failed to measure worker queue size, backing off")
			continue
		}
		b.Reset()
		metrics.QueueSize(queue, n)
	}
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-systemClock.After(d):
		return nil
	}
}

// randomJitter returns a random whole number of seconds in [0, max).
func randomJitter(max time.Duration) time.Duration {
	/* #nosec G404 */
	r := rand.New(rand.NewSource(systemClock.Now().UnixNano()))
	return time.Duration(r.Int63n(int64(max))).Truncate(time.Second)
}

func newBackoff(initInterval, maxInterval time.Duration) internal.Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = backoffJitterFactor
	b.MaxElapsedTime = 0
	b.Clock = systemClock
	b.Reset()

	return b
}
