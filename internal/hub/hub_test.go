package hub

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscriber) [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-sub.Deliveries():
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestHubGatesMediaUntilInit(t *testing.T) {
	h := New(slog.Default())
	sub := h.Register("CAM001")

	// Media before the init segment never reaches the subscriber.
	h.Broadcast([]byte("moof1"), true)
	h.Broadcast([]byte("mdat1"), false)
	assert.Empty(t, drain(sub))

	init := []byte("ftyp+moov")
	h.SetInit(init)
	h.Broadcast([]byte("moof2"), true)

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, init, got[0], "init segment must be the first delivery")
	assert.Equal(t, []byte("moof2"), got[1])
}

func TestHubDeliversCachedInitOnJoin(t *testing.T) {
	h := New(slog.Default())
	h.SetInit([]byte("init"))

	sub := h.Register("CAM001")
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("init"), got[0])
}

func TestHubSameOrderForAllSubscribers(t *testing.T) {
	h := New(slog.Default())
	a := h.Register("CAM001")
	b := h.Register("CAM001")

	h.SetInit([]byte("init"))
	for _, box := range []string{"b1", "b2", "b3"} {
		h.Broadcast([]byte(box), true)
	}

	gotA := drain(a)
	gotB := drain(b)
	assert.Equal(t, gotA, gotB)
	require.Len(t, gotA, 4)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := New(slog.Default())
	sub := h.Register("CAM001")
	h.SetInit([]byte("init"))

	// Fill the queue past capacity without draining.
	for i := 0; i <= queueCapacity+1; i++ {
		h.Broadcast([]byte{byte(i)}, true)
	}

	assert.Equal(t, 0, h.Count(), "slow subscriber must be dropped")
	// The channel was closed; draining terminates.
	got := drain(sub)
	assert.NotEmpty(t, got)

	_, open := <-sub.Deliveries()
	assert.False(t, open)
}

func TestHubResetSessionRegatesSurvivors(t *testing.T) {
	h := New(slog.Default())
	sub := h.Register("CAM001")

	h.SetInit([]byte("init1"))
	h.Broadcast([]byte("old"), true)
	drain(sub)

	h.ResetSession()
	assert.False(t, h.HasInit())

	// Media from the new session is withheld until its init arrives.
	h.Broadcast([]byte("new-media"), true)
	assert.Empty(t, drain(sub))

	h.SetInit([]byte("init2"))
	h.Broadcast([]byte("new-media2"), true)
	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("init2"), got[0])
	assert.Equal(t, []byte("new-media2"), got[1])
}

func TestHubLateJoinerStartsAtFragmentBoundary(t *testing.T) {
	h := New(slog.Default())
	h.SetInit([]byte("init"))
	h.Broadcast([]byte("moof1"), true)

	// Joined between a moof and its mdat.
	sub := h.Register("CAM001")
	h.Broadcast([]byte("mdat1"), false)
	h.Broadcast([]byte("moof2"), true)
	h.Broadcast([]byte("mdat2"), false)

	// The trailing mdat of the in-flight fragment is never delivered;
	// media starts at the next fragment's moof.
	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("init"), got[0])
	assert.Equal(t, []byte("moof2"), got[1])
	assert.Equal(t, []byte("mdat2"), got[2])
}

func TestHubInitReadySignal(t *testing.T) {
	h := New(slog.Default())

	ready := h.InitReady()
	select {
	case <-ready:
		t.Fatal("init must not be ready before SetInit")
	default:
	}

	h.SetInit([]byte("init"))
	select {
	case <-ready:
	default:
		t.Fatal("init ready channel must be closed after SetInit")
	}

	// Reset hands out a fresh, unclosed channel.
	h.ResetSession()
	select {
	case <-h.InitReady():
		t.Fatal("fresh session must not report init ready")
	default:
	}
}

func TestHubDetachClosesStream(t *testing.T) {
	h := New(slog.Default())
	sub := h.Register("CAM001")
	require.Equal(t, 1, h.Count())

	h.Detach(sub)
	assert.Equal(t, 0, h.Count())
	_, open := <-sub.Deliveries()
	assert.False(t, open)

	// Detaching twice is harmless.
	h.Detach(sub)
}
