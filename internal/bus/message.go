package bus

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message is an inbound Payload. Reply may be called later from any
// goroutine; only the first reply is sent.
type Message struct {
	Peer      string
	Topic     string
	MessageID uuid.UUID
	Body      []byte

	bus     *Bus
	replied atomic.Bool
}

func (m *Message) Reply(code AnswerCode, body []byte) bool {
	if m.bus == nil || !m.replied.CompareAndSwap(false, true) {
		return false
	}
	return m.bus.reply(m.Peer, Frame{
		Kind:      Answer,
		Code:      code,
		Topic:     m.Topic,
		MessageID: m.MessageID,
		Body:      body,
	})
}

func (m *Message) ReplyJSON(code AnswerCode, v any) bool {
	body, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return m.Reply(code, body)
}

func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Response is the outcome delivered to an AnswerHandler. Code is NoResponse
// when the request timed out locally.
type Response struct {
	Peer  string
	Topic string
	Code  AnswerCode
	Body  []byte
}

func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

type AnswerHandler func(resp Response)

type sendOptions struct {
	answer  AnswerHandler
	timeout time.Duration
	onSent  func()
}

type SendOption func(*sendOptions)

// WithAnswer correlates the send with an answer. A zero timeout uses the
// bus default.
func WithAnswer(h AnswerHandler, timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		o.answer = h
		o.timeout = timeout
	}
}

// WithOnSent runs fn once the frame has been handed to the channel, which
// for queued frames is when the queue drains.
func WithOnSent(fn func()) SendOption {
	return func(o *sendOptions) {
		o.onSent = fn
	}
}
