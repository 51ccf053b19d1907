package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsDuplicate(t *testing.T) {
	bus := New(0)
	_, _, err := bus.Register("exec-1")
	require.NoError(t, err)

	_, _, err = bus.Register("exec-1")
	require.ErrorIs(t, err, ErrAlreadyActive)
}

func TestBroadcastGaplessIDsEndingInDone(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		ev, err := pub.Broadcast(KindText, []byte(`{"content":"x"}`))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}
	done, err := pub.Broadcast(KindDone, []byte(`{"status":"completed","error":null}`))
	require.NoError(t, err)
	ids = append(ids, done.ID)

	for i, id := range ids {
		require.Equal(t, int64(i+1), id)
	}

	// Broadcasting after done is ignored.
	extra, err := pub.Broadcast(KindText, []byte(`{"content":"late"}`))
	require.NoError(t, err)
	require.Nil(t, extra)
}

// TestLateSubscribeWithLastEventID: execute a run producing 10 events,
// subscribe with last_event_id=5, expect events 6..10 in order, the last
// being done.
func TestLateSubscribeWithLastEventID(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := pub.Broadcast(KindText, []byte(`{"content":"x"}`))
		require.NoError(t, err)
	}
	_, err = pub.Broadcast(KindDone, []byte(`{"status":"completed","error":null}`))
	require.NoError(t, err)

	last := int64(5)
	replay, _, err := bus.SubscribeWithHistory("exec-1", &last)
	require.NoError(t, err)
	require.Len(t, replay, 5) // ids 6..10 (10th is done)
	for i, ev := range replay {
		require.Equal(t, int64(6+i), ev.ID)
	}
	require.Equal(t, KindDone, replay[len(replay)-1].Kind)
}

func TestSubscribeWithNoLastEventIDReturnsFullHistory(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := pub.Broadcast(KindText, []byte(`{}`))
		require.NoError(t, err)
	}

	replay, _, err := bus.SubscribeWithHistory("exec-1", nil)
	require.NoError(t, err)
	require.Len(t, replay, 3)
}

func TestSubscribeNotFound(t *testing.T) {
	bus := New(0)
	_, _, err := bus.SubscribeWithHistory("missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLiveSubscriberReceivesBroadcastEvents(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	_, live, err := bus.SubscribeWithHistory("exec-1", nil)
	require.NoError(t, err)

	ev, err := pub.Broadcast(KindText, []byte(`{"content":"hi"}`))
	require.NoError(t, err)

	got := <-live
	require.Equal(t, ev.ID, got.ID)
}

func TestRingBufferDropsOldestBeyondWindow(t *testing.T) {
	bus := New(DefaultBufferSize)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	for i := 0; i < DefaultBufferSize+10; i++ {
		_, err := pub.Broadcast(KindText, []byte(`{}`))
		require.NoError(t, err)
	}

	// Requesting an id well before the buffer window returns the full
	// retained tail, not an error - replay is guaranteed within the
	// buffer window only.
	oldID := int64(1)
	replay, _, err := bus.SubscribeWithHistory("exec-1", &oldID)
	require.NoError(t, err)
	require.Len(t, replay, DefaultBufferSize)
	require.Equal(t, int64(11), replay[0].ID)
}

func TestCancelTokenFiresIndependentOfStatus(t *testing.T) {
	bus := New(0)
	token, _, err := bus.Register("exec-1")
	require.NoError(t, err)

	require.False(t, token.IsCancelled())
	require.NoError(t, bus.Cancel("exec-1"))
	require.True(t, token.IsCancelled())

	select {
	case <-token.Cancelled():
	default:
		t.Fatal("expected Cancelled() channel to be closed")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	bus := New(0)
	_, _, err := bus.Register("exec-1")
	require.NoError(t, err)

	require.NoError(t, bus.Unregister("exec-1"))
	require.NoError(t, bus.Unregister("exec-1")) // no-op, not an error

	_, err = bus.Broadcast("exec-1", KindText, []byte(`{}`))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteRetainsHistoryForLateSubscribers(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	_, err = pub.Broadcast(KindText, []byte(`{"content":"x"}`))
	require.NoError(t, err)
	_, err = pub.Broadcast(KindDone, []byte(`{"status":"completed","error":null}`))
	require.NoError(t, err)
	require.NoError(t, bus.Complete("exec-1"))

	// A subscriber arriving after Complete still observes the full history
	// ending in done, on an already-closed live channel.
	replay, live, err := bus.SubscribeWithHistory("exec-1", nil)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	require.Equal(t, KindDone, replay[1].Kind)
	_, open := <-live
	require.False(t, open)
}

func TestRegisterReplacesFinishedStream(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	// Live stream blocks re-registration.
	_, _, err = bus.Register("exec-1")
	require.ErrorIs(t, err, ErrAlreadyActive)

	_, err = pub.Broadcast(KindDone, []byte(`{"status":"paused","error":null}`))
	require.NoError(t, err)
	require.NoError(t, bus.Complete("exec-1"))

	// Resume: same id registers again with a fresh gapless sequence.
	_, pub2, err := bus.Register("exec-1")
	require.NoError(t, err)
	ev, err := pub2.Broadcast(KindText, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.ID)
}

func TestLaggedSubscriberIsClosedNotBlocking(t *testing.T) {
	bus := New(0)
	_, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	_, live, err := bus.SubscribeWithHistory("exec-1", nil)
	require.NoError(t, err)

	// Flood past the subscriber channel capacity without draining it; the
	// publisher must not block.
	for i := 0; i < SubscriberChannelSize+10; i++ {
		_, err := pub.Broadcast(KindText, []byte(`{}`))
		require.NoError(t, err)
	}

	_, stillOpen := <-live
	for stillOpen {
		_, stillOpen = <-live
	}
	// Channel closed, not blocked.
}
