package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

type Identifier int32

const (
	Ping Identifier = iota + 1
	Pong
	Payload
	Answer
)

func (i Identifier) String() string {
	switch i {
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Payload:
		return "payload"
	case Answer:
		return "answer"
	default:
		return "unknown"
	}
}

type AnswerCode int32

const (
	Accept AnswerCode = iota + 1
	Deny
	NoResponse
)

func (c AnswerCode) String() string {
	switch c {
	case Accept:
		return "accept"
	case Deny:
		return "deny"
	case NoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

const (
	int32Size     = 4
	messageIDSize = 16
)

// Frame is one decoded wire message. Topic, MessageID and Body are only
// meaningful for Payload and Answer frames, Code only for Answer frames.
type Frame struct {
	Kind      Identifier
	Code      AnswerCode
	Topic     string
	MessageID uuid.UUID
	Body      []byte
}

// Encode lays the frame out as little-endian int32 fields:
//
//	Ping/Pong: identifier
//	Payload:   identifier | topicLen | topic | messageId(16) | bodyLen | body
//	Answer:    identifier | code | topicLen | topic | messageId(16) | bodyLen | body
func Encode(f Frame) []byte {
	switch f.Kind {
	case Ping, Pong:
		return binary.LittleEndian.AppendUint32(make([]byte, 0, int32Size), uint32(f.Kind))
	}

	size := int32Size*3 + len(f.Topic) + messageIDSize + len(f.Body)
	if f.Kind == Answer {
		size += int32Size
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Kind))
	if f.Kind == Answer {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Code))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Topic)))
	buf = append(buf, f.Topic...)
	buf = append(buf, f.MessageID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Body)))
	buf = append(buf, f.Body...)
	return buf
}

// Decode validates and parses a single frame. Truncated input, negative or
// oversized lengths, unknown identifiers or answer codes and trailing bytes
// are all rejected.
func Decode(data []byte) (Frame, error) {
	r := reader{data: data}

	kind, err := r.int32("identifier")
	if err != nil {
		return Frame{}, err
	}

	f := Frame{Kind: Identifier(kind)}
	switch f.Kind {
	case Ping, Pong:
		return f, r.done()
	case Payload, Answer:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownIdentifier, kind)
	}

	if f.Kind == Answer {
		code, err := r.int32("answer code")
		if err != nil {
			return Frame{}, err
		}
		f.Code = AnswerCode(code)
		if f.Code < Accept || f.Code > NoResponse {
			return Frame{}, fmt.Errorf("%w: unknown answer code %d", ErrMalformedFrame, code)
		}
	}

	topic, err := r.bytes("topic")
	if err != nil {
		return Frame{}, err
	}
	f.Topic = string(topic)

	id, err := r.fixed("message id", messageIDSize)
	if err != nil {
		return Frame{}, err
	}
	copy(f.MessageID[:], id)

	body, err := r.bytes("body")
	if err != nil {
		return Frame{}, err
	}
	f.Body = append([]byte{}, body...)

	return f, r.done()
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) fixed(field string, n int) ([]byte, error) {
	if len(r.data)-r.off < n {
		return nil, fmt.Errorf("%w: truncated %s at offset %d", ErrMalformedFrame, field, r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) int32(field string) (int32, error) {
	b, err := r.fixed(field, int32Size)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *reader) bytes(field string) ([]byte, error) {
	n, err := r.int32(field + " length")
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative %s length %d", ErrMalformedFrame, field, n)
	}
	return r.fixed(field, int(n))
}

func (r *reader) done() error {
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(r.data)-r.off)
	}
	return nil
}
