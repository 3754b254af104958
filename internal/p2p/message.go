package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/seedbit/swarm/internal/decoder"
	"github.com/seedbit/swarm/internal/shared/models"
)

// MaxMessageSize bounds the declared length of a single wire message. All
// mainline clients transfer blocks of at most 16 KiB, so anything much larger
// than one block plus headers is a protocol violation.
const MaxMessageSize = 32 * 1024

var (
	ErrOversizedMessage = errors.New("p2p: message length exceeds sane bound")
	ErrMalformedMessage = errors.New("p2p: malformed message payload")
)

// Message is a single framed peer-wire message. A nil *Message stands for
// the keep-alive, which has no ID and no payload.
type Message struct {
	ID      models.MessageID
	Payload []byte
}

// Serialize produces the wire form: 4-byte big-endian length of ID+payload,
// then the ID byte, then the payload. Keep-alive serializes to a bare zero
// length prefix.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one framed message from r. Keep-alives are returned as a
// nil message with a nil error.
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf, err := decoder.ReadBytes(r, 4)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)

	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrOversizedMessage, length)
	}

	body, err := decoder.ReadBytes(r, int(length))
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:      models.MessageID(body[0]),
		Payload: body[1:],
	}, nil
}

func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: models.MessageIDRequest, Payload: payload}
}

func FormatCancel(index, begin, length int) *Message {
	msg := FormatRequest(index, begin, length)
	msg.ID = models.MessageIDCancel
	return msg
}

func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: models.MessageIDHave, Payload: payload}
}

func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: models.MessageIDPiece, Payload: payload}
}

func ParseHave(msg *Message) (int, error) {
	if msg == nil || msg.ID != models.MessageIDHave || len(msg.Payload) != 4 {
		return 0, ErrMalformedMessage
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

func ParsePiece(msg *Message) (index, begin int, block []byte, err error) {
	if msg == nil || msg.ID != models.MessageIDPiece || len(msg.Payload) < 8 {
		return 0, 0, nil, ErrMalformedMessage
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	return index, begin, block, nil
}

func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg == nil || len(msg.Payload) != 12 {
		return 0, 0, 0, ErrMalformedMessage
	}
	if msg.ID != models.MessageIDRequest && msg.ID != models.MessageIDCancel {
		return 0, 0, 0, ErrMalformedMessage
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

func ParsePort(msg *Message) (int, error) {
	if msg == nil || msg.ID != models.MessageIDPort || len(msg.Payload) != 2 {
		return 0, ErrMalformedMessage
	}
	return int(binary.BigEndian.Uint16(msg.Payload)), nil
}
