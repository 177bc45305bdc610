package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeWithoutConnection(t *testing.T) {
	sc := NewStreamClient("ws://localhost:1", nil, zerolog.Nop())

	// No connection yet: the subscription registers and its subscribe frame
	// is sent on the next (re)connect.
	sub, err := sc.Subscribe(context.Background(), TableHoldings, "p-1")
	require.NoError(t, err)
	require.NotNil(t, sub)

	require.NoError(t, sc.Stop())
	_, open := <-sub.Events
	assert.False(t, open, "stop closes the subscription channel")
}

func TestSubscribeAfterStop(t *testing.T) {
	sc := NewStreamClient("ws://localhost:1", nil, zerolog.Nop())
	require.NoError(t, sc.Stop())

	_, err := sc.Subscribe(context.Background(), TableHoldings, "p-1")
	assert.Error(t, err)
}

func TestSubscribeReplacesExistingTableSubscription(t *testing.T) {
	sc := NewStreamClient("ws://localhost:1", nil, zerolog.Nop())
	t.Cleanup(func() { sc.Stop() })

	first, err := sc.Subscribe(context.Background(), TableHoldings, "p-1")
	require.NoError(t, err)
	_, err = sc.Subscribe(context.Background(), TableHoldings, "p-2")
	require.NoError(t, err)

	_, open := <-first.Events
	assert.False(t, open, "replaced subscription is cancelled")
}

func TestSubscribeStopConcurrently(t *testing.T) {
	sc := NewStreamClient("ws://localhost:1", nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Either outcome is fine; the client just must not panic on a
			// connection torn down mid-subscribe.
			_, _ = sc.Subscribe(context.Background(), TableHoldings, "p-1")
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sc.Stop()
	}()
	wg.Wait()
}
