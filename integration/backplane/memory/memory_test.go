package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dmitrymomot/signalbus/core/messaging"
	"github.com/dmitrymomot/signalbus/core/scaleout"
	"github.com/dmitrymomot/signalbus/integration/backplane/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type delivery struct {
	stream int
	id     uint64
	value  string
}

// receiver records what a backplane reports.
type receiver struct {
	mu     sync.Mutex
	got    []delivery
	opened []int
}

func (r *receiver) OnReceived(streamIndex int, id uint64, p *scaleout.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range p.Messages {
		r.got = append(r.got, delivery{stream: streamIndex, id: id, value: string(m.Value)})
	}
}

func (r *receiver) Open(streamIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, streamIndex)
}

func (r *receiver) OnError(int, error) {}

func (r *receiver) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func payload(value string) []byte {
	return scaleout.EncodePayload(&scaleout.Payload{
		Messages: []*messaging.Message{messaging.NewStringMessage("c", "k", value)},
	})
}

func TestBackplane_DeliversToAllAttached(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub(2)
	a, b := memory.New(hub, nil), memory.New(hub, nil)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	ra, rb := &receiver{}, &receiver{}
	require.NoError(t, a.Start(context.Background(), ra))
	require.NoError(t, b.Start(context.Background(), rb))
	assert.Equal(t, []int{0, 1}, ra.opened)
	assert.Equal(t, 2, a.StreamCount())

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, 0, payload("one")))
	require.NoError(t, b.Send(ctx, 0, payload("two")))
	require.NoError(t, a.Send(ctx, 1, payload("three")))

	want := []delivery{{0, 1, "one"}, {0, 2, "two"}, {1, 1, "three"}}
	for _, r := range []*receiver{ra, rb} {
		require.Eventually(t, func() bool { return len(r.deliveries()) == 3 }, time.Second, time.Millisecond)
		assert.ElementsMatch(t, want, r.deliveries())
	}
}

func TestBackplane_Errors(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub(1)
	bp := memory.New(hub, nil)
	ctx := context.Background()

	require.ErrorIs(t, bp.Send(ctx, 3, payload("x")), scaleout.ErrInvalidStreamIndex)

	boom := assert.AnError
	hub.SetSendError(boom)
	require.ErrorIs(t, bp.Send(ctx, 0, payload("x")), boom)
	hub.SetSendError(nil)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, bp.Send(cancelled, 0, payload("x")), context.Canceled)

	require.NoError(t, bp.Close())
	require.NoError(t, bp.Close())
	require.ErrorIs(t, bp.Send(ctx, 0, payload("x")), memory.ErrClosed)
	require.ErrorIs(t, bp.Start(ctx, &receiver{}), memory.ErrClosed)
}

func TestBackplane_ResetIDs(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub(1)
	bp := memory.New(hub, nil)
	t.Cleanup(func() { _ = bp.Close() })

	r := &receiver{}
	require.NoError(t, bp.Start(context.Background(), r))

	ctx := context.Background()
	require.NoError(t, bp.Send(ctx, 0, payload("a")))
	require.NoError(t, bp.Send(ctx, 0, payload("b")))
	hub.ResetIDs()
	require.NoError(t, bp.Send(ctx, 0, payload("c")))

	require.Eventually(t, func() bool { return len(r.deliveries()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []delivery{{0, 1, "a"}, {0, 2, "b"}, {0, 1, "c"}}, r.deliveries())
}

func TestBackplane_DetachedNodeMissesPayloads(t *testing.T) {
	t.Parallel()

	hub := memory.NewHub(1)
	sender := memory.New(hub, nil)
	late := memory.New(hub, nil)
	t.Cleanup(func() { _ = sender.Close(); _ = late.Close() })

	ctx := context.Background()
	require.NoError(t, sender.Send(ctx, 0, payload("early")))

	r := &receiver{}
	require.NoError(t, late.Start(ctx, r))
	require.NoError(t, sender.Send(ctx, 0, payload("late")))

	require.Eventually(t, func() bool { return len(r.deliveries()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []delivery{{0, 2, "late"}}, r.deliveries())
}
