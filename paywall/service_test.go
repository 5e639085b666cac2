package paywall

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authbridge/internal/testutil"
)

// fakeClient counts upstream calls and lets tests hold loads open.
type fakeClient struct {
	customerCalls     atomic.Int32
	subscriptionCalls atomic.Int32
	cancelCalls       atomic.Int32

	delay     time.Duration
	cancelErr error

	mu     sync.Mutex
	status map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{status: map[string]string{}}
}

func (f *fakeClient) EnsureCustomer(ctx context.Context, subject string) (*Customer, error) {
	f.customerCalls.Add(1)
	time.Sleep(f.delay)
	return &Customer{ID: "cus_" + subject, ExternalID: subject}, nil
}

func (f *fakeClient) Subscription(ctx context.Context, subject string) (*Subscription, error) {
	f.subscriptionCalls.Add(1)
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[subject]
	if !ok {
		status = StatusActive
	}
	return &Subscription{Status: status}, nil
}

func (f *fakeClient) CancelSubscription(ctx context.Context, subject string) error {
	f.cancelCalls.Add(1)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	f.status[subject] = StatusCanceled
	f.mu.Unlock()
	return nil
}

func TestService_DeduplicatesBurst(t *testing.T) {
	client := newFakeClient()
	client.delay = 100 * time.Millisecond
	svc := NewService(client, ServiceConfig{Logger: testutil.DiscardLogger()})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := svc.Subscription(context.Background(), "user_1")
			assert.NoError(t, err)
			assert.True(t, sub.Active())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), client.customerCalls.Load())
	assert.Equal(t, int32(1), client.subscriptionCalls.Load())
}

func TestService_CancelInvalidates(t *testing.T) {
	client := newFakeClient()
	svc := NewService(client, ServiceConfig{CacheTTL: time.Hour, Logger: testutil.DiscardLogger()})
	ctx := context.Background()

	sub, err := svc.Subscription(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, sub.Active())

	require.NoError(t, svc.CancelSubscription(ctx, "user_1"))

	sub, err = svc.Subscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.Equal(t, int32(2), client.subscriptionCalls.Load())
	assert.Equal(t, int32(2), client.customerCalls.Load())
}

// heldClient holds the first subscription load open after it has read upstream state
type heldClient struct {
	*fakeClient
	hold    atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (h *heldClient) Subscription(ctx context.Context, subject string) (*Subscription, error) {
	sub, err := h.fakeClient.Subscription(ctx, subject)
	if h.hold.CompareAndSwap(true, false) {
		close(h.started)
		<-h.release
	}
	return sub, err
}

func TestService_CancelDuringLoad(t *testing.T) {
	client := &heldClient{fakeClient: newFakeClient(), started: make(chan struct{}), release: make(chan struct{})}
	client.hold.Store(true)
	svc := NewService(client, ServiceConfig{CacheTTL: time.Hour, Logger: testutil.DiscardLogger()})
	ctx := context.Background()

	before := make(chan *Subscription, 1)
	go func() {
		sub, _ := svc.Subscription(ctx, "user_1")
		before <- sub
	}()
	<-client.started

	require.NoError(t, svc.CancelSubscription(ctx, "user_1"))

	sub, err := svc.Subscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, sub.Status, "must not reuse the load that started before the cancel")

	close(client.release)
	assert.Equal(t, StatusActive, (<-before).Status)

	sub, err = svc.Subscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, sub.Status)
}

func TestService_CancelFailureKeepsCache(t *testing.T) {
	client := newFakeClient()
	client.cancelErr = errors.New("upstream down")
	svc := NewService(client, ServiceConfig{CacheTTL: time.Hour, Logger: testutil.DiscardLogger()})
	ctx := context.Background()

	_, err := svc.Subscription(ctx, "user_1")
	require.NoError(t, err)

	err = svc.CancelSubscription(ctx, "user_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, client.cancelErr)

	_, err = svc.Subscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), client.subscriptionCalls.Load())
}

func TestService_CleanupExpired(t *testing.T) {
	clock := testutil.NewMockTime(testutil.Epoch)
	client := newFakeClient()
	svc := NewService(client, ServiceConfig{
		CacheTTL: time.Second,
		Clock:    clock.Now,
		Logger:   testutil.DiscardLogger(),
	})
	ctx := context.Background()

	_, err := svc.Subscription(ctx, "user_1")
	require.NoError(t, err)
	_, err = svc.Customer(ctx, "user_2")
	require.NoError(t, err)

	assert.Zero(t, svc.CleanupExpired())
	clock.Advance(time.Second)
	assert.Equal(t, 3, svc.CleanupExpired())
}
