package bus

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callsync/internal/logging"
	"callsync/internal/ports"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	peer string

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (c *fakeChannel) Peer() string               { return c.peer }
func (c *fakeChannel) State() ports.ChannelState { return ports.ChannelConnected }
func (c *fakeChannel) Close() error               { return nil }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Frame, 0, len(c.sent))
	for _, data := range c.sent {
		f, err := Decode(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func newTestBus(t *testing.T, queueSize int) (*Bus, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	b := New(Config{
		TickInterval:  10 * time.Millisecond,
		PingInterval:  50 * time.Millisecond,
		QueueSize:     queueSize,
		AnswerTimeout: time.Second,
		Clock:         mock,
	})
	return b, mock
}

// connect opens a fake channel for peer and completes the handshake.
func connect(t *testing.T, b *Bus, peer string) *fakeChannel {
	t.Helper()
	ch := &fakeChannel{peer: peer}
	b.OnOpened(ch)
	b.OnMessage(peer, Encode(Frame{Kind: Pong}))
	require.Equal(t, ports.ChannelConnected, b.PeerState(peer))
	ch.reset()
	return ch
}

func TestBus_OpenSendsPingAndRepeatsUntilInbound(t *testing.T) {
	b, mock := newTestBus(t, 0)
	ch := &fakeChannel{peer: "bob"}

	var ready atomic.Int32
	b.OnReady(func(string) { ready.Add(1) })

	b.OnOpened(ch)
	require.Len(t, ch.frames(t), 1)
	assert.Equal(t, Ping, ch.frames(t)[0].Kind)
	assert.Equal(t, ports.ChannelConnecting, b.PeerState("bob"))

	mock.Add(20 * time.Millisecond)
	b.tick()
	assert.Len(t, ch.frames(t), 1, "no ping before the interval")

	mock.Add(40 * time.Millisecond)
	b.tick()
	require.Len(t, ch.frames(t), 2)

	b.OnMessage("bob", Encode(Frame{Kind: Ping}))
	assert.Equal(t, ports.ChannelConnected, b.PeerState("bob"))
	assert.Equal(t, int32(1), ready.Load())

	frames := ch.frames(t)
	assert.Equal(t, Pong, frames[len(frames)-1].Kind, "inbound ping is answered")

	ch.reset()
	mock.Add(time.Second)
	b.tick()
	assert.Empty(t, ch.frames(t), "pinging stops once ready")

	b.OnMessage("bob", Encode(Frame{Kind: Pong}))
	assert.Equal(t, int32(1), ready.Load(), "ready fires exactly once")
}

func TestBus_SendAndAnswer(t *testing.T) {
	b, _ := newTestBus(t, 0)
	ch := connect(t, b, "bob")

	var got []Response
	ok := b.Send("bob", "greet", []byte("hi"), WithAnswer(func(r Response) { got = append(got, r) }, time.Second))
	require.True(t, ok)

	frames := ch.frames(t)
	require.Len(t, frames, 1)
	req := frames[0]
	assert.Equal(t, Payload, req.Kind)
	assert.Equal(t, "greet", req.Topic)
	assert.Equal(t, []byte("hi"), req.Body)
	assert.Equal(t, 1, b.PendingAnswers())

	answer := Encode(Frame{Kind: Answer, Code: Accept, Topic: "greet", MessageID: req.MessageID, Body: []byte("hello")})
	b.OnMessage("bob", answer)
	b.OnMessage("bob", answer)

	require.Len(t, got, 1, "each message id yields one outcome")
	assert.Equal(t, Accept, got[0].Code)
	assert.Equal(t, "bob", got[0].Peer)
	assert.Equal(t, []byte("hello"), got[0].Body)
	assert.Equal(t, 0, b.PendingAnswers())
}

func TestBus_AnswerTimeoutDeliversNoResponseOnce(t *testing.T) {
	b, mock := newTestBus(t, 0)
	ch := connect(t, b, "bob")

	var calls atomic.Int32
	var code AnswerCode
	start := mock.Now()
	var firedAt time.Time

	require.True(t, b.Send("bob", "slow", nil, WithAnswer(func(r Response) {
		calls.Add(1)
		code = r.Code
		firedAt = mock.Now()
	}, 100*time.Millisecond)))

	for i := 0; i < 9; i++ {
		mock.Add(10 * time.Millisecond)
		b.tick()
	}
	assert.Equal(t, int32(0), calls.Load())

	mock.Add(10 * time.Millisecond)
	b.tick()
	require.Equal(t, int32(1), calls.Load())
	assert.Equal(t, NoResponse, code)
	assert.InDelta(t, float64(100*time.Millisecond), float64(firedAt.Sub(start)), float64(10*time.Millisecond))

	req := ch.frames(t)[0]
	b.OnMessage("bob", Encode(Frame{Kind: Answer, Code: Accept, Topic: "slow", MessageID: req.MessageID}))
	mock.Add(time.Second)
	b.tick()
	assert.Equal(t, int32(1), calls.Load(), "late answer is dropped")
}

func TestBus_UnreachablePeerTimesOutWhileQueued(t *testing.T) {
	b, mock := newTestBus(t, 4)

	var calls atomic.Int32
	var code AnswerCode
	start := mock.Now()
	var firedAt time.Time

	require.True(t, b.Send("carol", "slow", []byte("q"), WithAnswer(func(r Response) {
		calls.Add(1)
		code = r.Code
		firedAt = mock.Now()
	}, 100*time.Millisecond)))
	assert.Equal(t, 1, b.QueueLen("carol"))

	for i := 0; i < 10; i++ {
		mock.Add(10 * time.Millisecond)
		b.tick()
	}
	require.Equal(t, int32(1), calls.Load())
	assert.Equal(t, NoResponse, code)
	assert.InDelta(t, float64(100*time.Millisecond), float64(firedAt.Sub(start)), float64(10*time.Millisecond))
	assert.Equal(t, 0, b.PendingAnswers())
	assert.Equal(t, 1, b.QueueLen("carol"), "expiry does not drop the queued frame")

	ch := &fakeChannel{peer: "carol"}
	b.OnOpened(ch)
	b.OnMessage("carol", Encode(Frame{Kind: Pong}))
	assert.Equal(t, 0, b.QueueLen("carol"))

	var req Frame
	for _, f := range ch.frames(t) {
		if f.Kind == Payload {
			req = f
		}
	}
	require.Equal(t, "slow", req.Topic, "queued frame drained after expiry")

	b.OnMessage("carol", Encode(Frame{Kind: Answer, Code: Accept, Topic: "slow", MessageID: req.MessageID}))
	mock.Add(time.Second)
	b.tick()
	assert.Equal(t, int32(1), calls.Load(), "late drain yields no second outcome")
}

func TestBus_ZeroTimeoutUsesDefault(t *testing.T) {
	b, mock := newTestBus(t, 0)
	connect(t, b, "bob")

	fired := false
	require.True(t, b.Send("bob", "t", nil, WithAnswer(func(Response) { fired = true }, 0)))

	mock.Add(900 * time.Millisecond)
	b.tick()
	assert.False(t, fired)

	mock.Add(100 * time.Millisecond)
	b.tick()
	assert.True(t, fired)
}

func TestBus_SendWithoutChannelFailsWhenQueueDisabled(t *testing.T) {
	b, _ := newTestBus(t, 0)

	fired := false
	ok := b.Send("nobody", "t", nil, WithAnswer(func(Response) { fired = true }, time.Second))

	assert.False(t, ok)
	assert.Equal(t, 0, b.PendingAnswers(), "rejected send registers no answer")
	assert.False(t, fired)
}

func TestBus_QueueDrainsInOrderOnReady(t *testing.T) {
	b, _ := newTestBus(t, 2)

	var sent []string
	require.True(t, b.Send("bob", "t", []byte("1"), WithOnSent(func() { sent = append(sent, "1") })))
	require.True(t, b.Send("bob", "t", []byte("2"), WithOnSent(func() { sent = append(sent, "2") })))
	assert.False(t, b.Send("bob", "t", []byte("3")), "overflow is rejected synchronously")
	assert.Equal(t, 2, b.QueueLen("bob"))
	assert.Empty(t, sent)

	ch := &fakeChannel{peer: "bob"}
	b.OnOpened(ch)
	assert.Equal(t, 2, b.QueueLen("bob"), "queue waits for the handshake")
	assert.False(t, b.Send("bob", "t", nil), "queue still full while connecting")

	b.OnMessage("bob", Encode(Frame{Kind: Pong}))
	require.True(t, b.Send("bob", "t", []byte("4")))

	frames := ch.frames(t)
	require.Len(t, frames, 4)
	assert.Equal(t, Ping, frames[0].Kind)
	assert.Equal(t, []byte("1"), frames[1].Body)
	assert.Equal(t, []byte("2"), frames[2].Body)
	assert.Equal(t, []byte("4"), frames[3].Body)
	assert.Equal(t, []string{"1", "2"}, sent)
	assert.Equal(t, 0, b.QueueLen("bob"))
}

func TestBus_MalformedFrameKeepsChannelOpen(t *testing.T) {
	b, _ := newTestBus(t, 0)
	connect(t, b, "bob")

	var got []string
	b.RegisterHandler("t", func(m *Message) { got = append(got, string(m.Body)) })

	b.OnMessage("bob", []byte{3, 0, 0, 0, 200})
	b.OnMessage("bob", []byte{77, 0, 0, 0})
	assert.Equal(t, ports.ChannelConnected, b.PeerState("bob"))

	b.OnMessage("bob", Encode(Frame{Kind: Payload, Topic: "t", Body: []byte("ok")}))
	assert.Equal(t, []string{"ok"}, got)
}

func TestBus_ErrorPurgesChannelAndRetainsQueue(t *testing.T) {
	b, _ := newTestBus(t, 4)
	connect(t, b, "bob")

	var closed []string
	b.OnClose(func(p string) { closed = append(closed, p) })

	b.OnError("bob", errors.New("ice failed"))
	assert.Equal(t, ports.ChannelNone, b.PeerState("bob"))
	assert.Empty(t, b.Peers())
	assert.Equal(t, []string{"bob"}, closed)

	require.True(t, b.Send("bob", "t", []byte("later")))
	assert.Equal(t, 1, b.QueueLen("bob"))

	b.OnError("bob", errors.New("again"))
	assert.Len(t, closed, 1, "no second notification without a channel")

	assert.Equal(t, 1, b.ClearQueue("bob"))
	assert.Equal(t, 0, b.QueueLen("bob"))
}

func TestBus_HandlerOrderWildcardAndRemoval(t *testing.T) {
	b, _ := newTestBus(t, 0)
	connect(t, b, "bob")

	var order []string
	first := b.RegisterHandler("t", func(*Message) { order = append(order, "first") })
	b.RegisterWildcardHandler(func(m *Message) { order = append(order, "wild:"+m.Topic) })
	b.RegisterHandler("t", func(*Message) { order = append(order, "second") })

	b.OnMessage("bob", Encode(Frame{Kind: Payload, Topic: "t"}))
	assert.Equal(t, []string{"first", "second", "wild:t"}, order)

	order = nil
	require.True(t, b.RemoveHandler(first))
	assert.False(t, b.RemoveHandler(first))
	b.OnMessage("bob", Encode(Frame{Kind: Payload, Topic: "t"}))
	b.OnMessage("bob", Encode(Frame{Kind: Payload, Topic: "other"}))
	assert.Equal(t, []string{"second", "wild:t", "wild:other"}, order)
}

func TestBus_ReplyIsSentOnce(t *testing.T) {
	b, _ := newTestBus(t, 0)
	ch := connect(t, b, "bob")

	var msg *Message
	b.RegisterHandler("q", func(m *Message) { msg = m })
	b.OnMessage("bob", Encode(Frame{Kind: Payload, Topic: "q", Body: []byte("?")}))
	require.NotNil(t, msg)

	assert.True(t, msg.ReplyJSON(Accept, map[string]bool{"applied": true}))
	assert.False(t, msg.Reply(Deny, nil))

	frames := ch.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, Answer, frames[0].Kind)
	assert.Equal(t, Accept, frames[0].Code)
	assert.Equal(t, msg.MessageID, frames[0].MessageID)
	assert.JSONEq(t, `{"applied":true}`, string(frames[0].Body))
}

func TestBus_BroadcastAddressesConnectedPeers(t *testing.T) {
	b, _ := newTestBus(t, 0)
	alice := connect(t, b, "alice")
	carol := connect(t, b, "carol")
	b.OnOpened(&fakeChannel{peer: "dave"})

	n := b.BroadcastJSON("hello", map[string]int{"n": 1})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"alice", "carol"}, b.Peers())

	require.Len(t, alice.frames(t), 1)
	require.Len(t, carol.frames(t), 1)
	assert.NotEqual(t, alice.frames(t)[0].MessageID, carol.frames(t)[0].MessageID, "fresh id per payload")
}

func TestBus_WriteErrorRejectsSend(t *testing.T) {
	b, _ := newTestBus(t, 0)
	ch := connect(t, b, "bob")
	ch.sendErr = errors.New("buffer full")

	assert.False(t, b.Send("bob", "t", nil, WithAnswer(func(Response) {}, time.Second)))
	assert.Equal(t, 0, b.PendingAnswers())
}

func TestNew_LogsConfiguration(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(logging.NewPrettyHandler(&buf, logging.Options{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	newTestBus(t, 8)

	assert.Contains(t, buf.String(), "tick_interval=10ms ping_interval=50ms queue_size=8")
}
