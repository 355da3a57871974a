package gc

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/mock/gomock"
	"github.com/quay/quay-sub006/registry/gc/internal"
	"github.com/quay/quay-sub006/registry/gc/internal/mocks"
	"github.com/quay/quay-sub006/registry/gc/worker"
	wmocks "github.com/quay/quay-sub006/registry/gc/worker/mocks"
	imocks "github.com/quay/quay-sub006/registry/internal/mocks"
	"github.com/quay/quay-sub006/registry/internal/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewAgent(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	tmp := logrus.New()
	tmp.SetOutput(io.Discard)
	defaultLogger := tmp.WithField(componentKey, agentName)

	tmp = logrus.New()
	customLogger := tmp.WithField(componentKey, agentName)

	type args struct {
		w    worker.Worker
		opts []AgentOption
	}
	tests := []struct {
		name string
		args args
		want *Agent
	}{
		{
			name: "defaults",
			args: args{
				w: workerMock,
			},
			want: &Agent{
				worker:          workerMock,
				logger:          defaultLogger,
				initialInterval: defaultInitialInterval,
				maxBackoff:      defaultMaxBackoff,
				noIdleBackoff:   false,
				startJitter:     defaultStartJitter,
				monitorInterval: defaultQueueMonitorInterval,
			},
		},
		{
			name: "with logger",
			args: args{
				w:    workerMock,
				opts: []AgentOption{WithLogger(customLogger)},
			},
			want: &Agent{
				worker:          workerMock,
				logger:          customLogger,
				initialInterval: defaultInitialInterval,
				maxBackoff:      defaultMaxBackoff,
				noIdleBackoff:   false,
				startJitter:     defaultStartJitter,
				monitorInterval: defaultQueueMonitorInterval,
			},
		},
		{
			name: "with initial interval",
			args: args{
				w:    workerMock,
				opts: []AgentOption{WithInitialInterval(10 * time.Hour)},
			},
			want: &Agent{
				worker:          workerMock,
				logger:          defaultLogger,
				initialInterval: 10 * time.Hour,
				maxBackoff:      defaultMaxBackoff,
				noIdleBackoff:   false,
				startJitter:     defaultStartJitter,
				monitorInterval: defaultQueueMonitorInterval,
			},
		},
		{
			name: "with max back off",
			args: args{
				w:    workerMock,
				opts: []AgentOption{WithMaxBackoff(10 * time.Hour)},
			},
			want: &Agent{
				worker:          workerMock,
				logger:          defaultLogger,
				initialInterval: defaultInitialInterval,
				maxBackoff:      10 * time.Hour,
				noIdleBackoff:   false,
				startJitter:     defaultStartJitter,
				monitorInterval: defaultQueueMonitorInterval,
			},
		},
		{
			name: "without idle back off",
			args: args{
				w:    workerMock,
				opts: []AgentOption{WithoutIdleBackoff()},
			},
			want: &Agent{
				worker:          workerMock,
				logger:          defaultLogger,
				initialInterval: defaultInitialInterval,
				maxBackoff:      defaultMaxBackoff,
				noIdleBackoff:   true,
				startJitter:     defaultStartJitter,
				monitorInterval: defaultQueueMonitorInterval,
			},
		},
		{
			name: "with all options",
			args: args{
				w: workerMock,
				opts: []AgentOption{
					WithLogger(customLogger),
					WithoutIdleBackoff(),
					WithInitialInterval(1 * time.Hour),
					WithMaxBackoff(2 * time.Hour),
					WithoutIdleBackoff(),
					WithStartJitter(0),
					WithQueueMonitorInterval(time.Minute),
				},
			},
			want: &Agent{
				worker:          workerMock,
				logger:          customLogger,
				initialInterval: 1 * time.Hour,
				maxBackoff:      2 * time.Hour,
				noIdleBackoff:   true,
				startJitter:     0,
				monitorInterval: time.Minute,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewAgent(tt.args.w, tt.args.opts...)

			require.Equal(t, tt.want.worker, got.worker)
			require.Equal(t, tt.want.initialInterval, got.initialInterval)
			require.Equal(t, tt.want.maxBackoff, got.maxBackoff)
			require.Equal(t, tt.want.noIdleBackoff, got.noIdleBackoff)
			require.Equal(t, tt.want.startJitter, got.startJitter)
			require.Equal(t, tt.want.monitorInterval, got.monitorInterval)

			// we have to cast loggers and compare only their public fields
			wantLogger, ok := tt.want.logger.(*logrus.Entry)
			require.True(t, ok)
			gotLogger, ok := got.logger.(*logrus.Entry)
			require.True(t, ok)
			require.EqualValues(t, wantLogger.Logger.Level, gotLogger.Logger.Level)
			require.Equal(t, wantLogger.Logger.Formatter, gotLogger.Logger.Formatter)
			require.Equal(t, wantLogger.Logger.Out, gotLogger.Logger.Out)
		})
	}
}

func stubBackoff(tb testing.TB, m *mocks.MockBackoff) {
	tb.Helper()

	bkp := backoffConstructor
	backoffConstructor = func(initInterval, maxInterval time.Duration) internal.Backoff {
		return m
	}
	tb.Cleanup(func() { backoffConstructor = bkp })
}

// fired returns a channel that is ready to be received from, simulating an elapsed sleep.
func fired() <-chan time.Time {
	c := make(chan time.Time, 1)
	c <- time.Time{}
	return c
}

// cancelAfter cancels the context instead of letting the sleep elapse.
func cancelAfter(cancel context.CancelFunc) func(time.Duration) <-chan time.Time {
	return func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}
}

// newLoopAgent creates an Agent without start jitter and queue monitoring, so that only the run loop touches the
// mocks.
func newLoopAgent(w worker.Worker, opts ...AgentOption) *Agent {
	opts = append([]AgentOption{
		WithLogger(logrus.New()), // so that we can see the log output during test runs
		WithStartJitter(0),
		WithQueueMonitorInterval(0),
	}, opts...)
	return NewAgent(w, opts...)
}

func TestAgent_Start_Jitter(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := NewAgent(workerMock, WithLogger(logrus.New()), WithQueueMonitorInterval(0))

	// use fixed time for reproducible rand seeds (used to generate jitter durations)
	now := time.Time{}
	r := rand.New(rand.NewSource(now.UnixNano()))
	expectedJitter := time.Duration(r.Int63n(int64(defaultStartJitter))).Truncate(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		workerMock.EXPECT().Name().Return("test").Times(1),
		clockMock.EXPECT().Now().Return(now).Times(2), // newBackoff resets against the clock once
		// cancel while sleeping to avoid a worker run, which is not needed for the purpose of this test
		clockMock.EXPECT().After(expectedJitter).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Start_CanceledBeforeRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	agent := newLoopAgent(workerMock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	workerMock.EXPECT().Name().Return("test").Times(1)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Start_NoTaskFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := newLoopAgent(workerMock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Time{}.Add(1 * time.Millisecond)
	backOff := defaultInitialInterval

	gomock.InOrder(
		workerMock.EXPECT().Name().Return("test").Times(1),
		clockMock.EXPECT().Now().Return(startTime).Times(1),
		workerMock.EXPECT().Run(ctx).Return(false, nil).Times(1),
		clockMock.EXPECT().Since(startTime).Return(100*time.Millisecond).Times(1),
		backoffMock.EXPECT().NextBackOff().Return(backOff).Times(1),
		clockMock.EXPECT().After(backOff).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Start_NoTaskFoundWithoutIdleBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := newLoopAgent(workerMock, WithoutIdleBackoff())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Time{}.Add(1 * time.Millisecond)
	backOff := defaultInitialInterval

	gomock.InOrder(
		workerMock.EXPECT().Name().Return("test").Times(1),
		clockMock.EXPECT().Now().Return(startTime).Times(1),
		workerMock.EXPECT().Run(ctx).Return(false, nil).Times(1),
		backoffMock.EXPECT().Reset().Times(1), // ensure backoff reset
		clockMock.EXPECT().Since(startTime).Return(100*time.Millisecond).Times(1),
		backoffMock.EXPECT().NextBackOff().Return(backOff).Times(1),
		clockMock.EXPECT().After(backOff).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Start_RunFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := newLoopAgent(workerMock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Time{}.Add(1 * time.Millisecond)
	backOff := defaultInitialInterval

	gomock.InOrder(
		workerMock.EXPECT().Name().Return("test").Times(1),
		clockMock.EXPECT().Now().Return(startTime).Times(1),
		workerMock.EXPECT().Run(ctx).Return(true, nil).Times(1),
		backoffMock.EXPECT().Reset().Times(1), // ensure backoff reset
		clockMock.EXPECT().Since(startTime).Return(100*time.Millisecond).Times(1),
		backoffMock.EXPECT().NextBackOff().Return(backOff).Times(1),
		clockMock.EXPECT().After(backOff).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Start_RunError(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := newLoopAgent(workerMock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Time{}.Add(1 * time.Millisecond)
	backOff := defaultInitialInterval

	gomock.InOrder(
		// there is no backoff reset here
		workerMock.EXPECT().Name().Return("test").Times(1),
		clockMock.EXPECT().Now().Return(startTime).Times(1),
		workerMock.EXPECT().Run(ctx).Return(false, errors.New("fake error")).Times(1),
		clockMock.EXPECT().Since(startTime).Return(100*time.Millisecond).Times(1),
		backoffMock.EXPECT().NextBackOff().Return(backOff).Times(1),
		clockMock.EXPECT().After(backOff).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Start_RunLoopSurvivesError(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := newLoopAgent(workerMock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Time{}.Add(1 * time.Millisecond)
	backOff := defaultInitialInterval

	gomock.InOrder(
		// 1st loop iteration
		workerMock.EXPECT().Name().Return("test").Times(1),
		clockMock.EXPECT().Now().Return(startTime).Times(1),
		workerMock.EXPECT().Run(ctx).Return(false, errors.New("fake error")).Times(1),
		clockMock.EXPECT().Since(startTime).Return(100*time.Millisecond).Times(1),
		backoffMock.EXPECT().NextBackOff().Return(backOff).Times(1),
		clockMock.EXPECT().After(backOff).Return(fired()).Times(1),
		// 2nd loop iteration
		clockMock.EXPECT().Now().Return(startTime).Times(1),
		workerMock.EXPECT().Run(ctx).Return(true, nil).Times(1),
		backoffMock.EXPECT().Reset().Times(1), // ensure backoff reset
		clockMock.EXPECT().Since(startTime).Return(100*time.Millisecond).Times(1),
		backoffMock.EXPECT().NextBackOff().Return(backOff).Times(1),
		// cancel here to avoid a 3rd worker run
		clockMock.EXPECT().After(backOff).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	err := agent.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_monitorQueueSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	workerMock := wmocks.NewMockWorker(ctrl)

	backoffMock := mocks.NewMockBackoff(ctrl)
	stubBackoff(t, backoffMock)

	clockMock := imocks.NewMockClock(ctrl)
	testutil.StubClock(t, &systemClock, clockMock)

	agent := NewAgent(workerMock, WithLogger(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		workerMock.EXPECT().QueueName().Return("storage_replication").Times(1),
		// 1st measurement fails, no reset
		backoffMock.EXPECT().NextBackOff().Return(defaultQueueMonitorInterval).Times(1),
		clockMock.EXPECT().After(defaultQueueMonitorInterval).Return(fired()).Times(1),
		workerMock.EXPECT().QueueSize(gomock.Any()).Return(0, errors.New("fake error")).Times(1),
		// 2nd measurement succeeds
		backoffMock.EXPECT().NextBackOff().Return(2*defaultQueueMonitorInterval).Times(1),
		clockMock.EXPECT().After(2*defaultQueueMonitorInterval).Return(fired()).Times(1),
		workerMock.EXPECT().QueueSize(gomock.Any()).Return(3, nil).Times(1),
		backoffMock.EXPECT().Reset().Times(1),
		// stop while waiting for the 3rd
		backoffMock.EXPECT().NextBackOff().Return(defaultQueueMonitorInterval).Times(1),
		clockMock.EXPECT().After(defaultQueueMonitorInterval).DoAndReturn(cancelAfter(cancel)).Times(1),
	)

	// returns once the context is canceled
	agent.monitorQueueSize(ctx, agent.logger)
}

func Test_randomJitter(t *testing.T) {
	clockMock := clock.NewMock()
	testutil.StubClock(t, &systemClock, clockMock)

	for i := 0; i < 10; i++ {
		clockMock.Add(time.Duration(i) * time.Hour)

		got := randomJitter(defaultStartJitter)
		require.GreaterOrEqual(t, got, time.Duration(0))
		require.Less(t, got, defaultStartJitter)
		require.Zero(t, got%time.Second)
	}

	// sub-second bounds round down to no delay
	require.Zero(t, randomJitter(500*time.Millisecond))
}

func Test_newBackoff(t *testing.T) {
	clockMock := clock.NewMock()
	clockMock.Set(time.Time{})
	testutil.StubClock(t, &systemClock, clockMock)

	initInterval := 5 * time.Minute
	maxInterval := 24 * time.Hour

	want := &backoff.ExponentialBackOff{
		InitialInterval:     initInterval,
		RandomizationFactor: backoffJitterFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clockMock,
	}
	want.Reset()

	tmp := newBackoff(initInterval, maxInterval)
	got, ok := tmp.(*backoff.ExponentialBackOff)
	require.True(t, ok)
	require.NotNil(t, got)
	require.Equal(t, want, got)
}
