package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errRejected = errors.New("token rejected")

type fakeHandler struct {
	mu    sync.Mutex
	calls []string
	fail  snowflake.ID
}

func (h *fakeHandler) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, call)
}

func (h *fakeHandler) Reload(_ context.Context, id snowflake.ID) error {
	h.record(fmt.Sprintf("start:%d", id))

	if id == h.fail {
		return errRejected
	}

	return nil
}

func (h *fakeHandler) Release(_ context.Context, id snowflake.ID) {
	h.record(fmt.Sprintf("stop:%d", id))
}

func (h *fakeHandler) Invalidate(id snowflake.ID) {
	h.record(fmt.Sprintf("invalidate:%d", id))
}

func (h *fakeHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.calls...)
}

func setupBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewBus(client, zaptest.NewLogger(t)), mr
}

// listen runs Listen in the background and waits until it is subscribed.
func listen(t *testing.T, bus *Bus, mr *miniredis.Miniredis, h Handler) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		result <- bus.Listen(ctx, h)
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(Channel)[Channel] == 1
	}, 5*time.Second, 10*time.Millisecond)

	return cancel, result
}

func TestListenAppliesMessagesInOrder(t *testing.T) {
	t.Parallel()

	bus, mr := setupBus(t)
	h := &fakeHandler{fail: 13}

	cancel, result := listen(t, bus, mr, h)
	defer cancel()

	ctx := t.Context()
	require.NoError(t, bus.Publish(ctx, ActionStart, 42))
	require.NoError(t, bus.Publish(ctx, ActionStart, 13))
	mr.Publish(Channel, "not json")
	mr.Publish(Channel, `{"action":"restart","instanceId":"42"}`)
	require.NoError(t, bus.Publish(ctx, ActionInvalidate, 42))
	require.NoError(t, bus.Publish(ctx, ActionStop, 42))

	want := []string{"start:42", "start:13", "invalidate:42", "stop:42"}
	require.Eventually(t, func() bool {
		return len(h.snapshot()) == len(want)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, h.snapshot())

	cancel()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestPublishWithoutListeners(t *testing.T) {
	t.Parallel()

	bus, _ := setupBus(t)

	require.NoError(t, bus.Publish(t.Context(), ActionInvalidate, 7))
}

func TestPublishFailsWhenRedisIsDown(t *testing.T) {
	t.Parallel()

	bus, mr := setupBus(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	require.Error(t, bus.Publish(ctx, ActionStop, 7))
}
