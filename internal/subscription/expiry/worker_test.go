package expiry

import (
	"context"
	"errors"
	"testing"
	"time"

	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type meterStub struct {
	subscriptiondomain.Service
	expired  int64
	err      error
	calls    chan struct{}
	deadline bool
}

func (m *meterStub) ExpireDue(ctx context.Context) (int64, error) {
	_, m.deadline = ctx.Deadline()
	if m.calls != nil {
		select {
		case m.calls <- struct{}{}:
		default:
		}
	}
	return m.expired, m.err
}

func TestRunOnceExpiresWithDeadline(t *testing.T) {
	meter := &meterStub{expired: 2}
	worker := NewWorker(Params{Log: zap.NewNop(), Meter: meter})

	expired, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), expired)
	assert.True(t, meter.deadline)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	meter := &meterStub{err: errors.New("db down"), calls: make(chan struct{}, 8)}
	worker := NewWorker(Params{
		Log:    zap.NewNop(),
		Meter:  meter,
		Config: Config{PollInterval: time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.RunForever(ctx)
		close(done)
	}()

	<-meter.calls
	<-meter.calls
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestLifecycleStopsWorker(t *testing.T) {
	meter := &meterStub{calls: make(chan struct{}, 8)}
	worker := NewWorker(Params{
		Log:    zap.NewNop(),
		Meter:  meter,
		Config: Config{PollInterval: time.Millisecond},
	})

	lc := fxtest.NewLifecycle(t)
	runWorker(lc, worker)
	lc.RequireStart()
	<-meter.calls

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lc.Stop(ctx))

	for len(meter.calls) > 0 {
		<-meter.calls
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, meter.calls)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
}
