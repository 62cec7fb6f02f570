package websocket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	// ErrTypeBadMessage is the type of the errors caused by a message a client
	// sent that can't be handled. Those errors are reported to the client
	// without closing the connection.
	ErrTypeBadMessage = "bad_message"
)

type MsgType string

const (
	MsgTypeViewer MsgType = "viewer"
	MsgTypeArea   MsgType = "area"
	MsgTypeFrame  MsgType = "frame"
	MsgTypeError  MsgType = "error"
)

// Msg is a JSON message exchanged with a viewer.
type Msg struct {
	Type MsgType `json:"type"`

	// Viewer position update, sent by the client.
	Position *geo.Vector3 `json:"position,omitempty"`

	// Area preload request, sent by the client.
	Area *geo.BBox `json:"area,omitempty"`
	Sync bool      `json:"sync,omitempty"`

	// Frame, sent by the server.
	Frame      uint64           `json:"frame,omitempty"`
	Generation uint64           `json:"generation,omitempty"`
	Tiles      []tile.Placement `json:"tiles,omitempty"`
	Queued     int              `json:"queued,omitempty"`
	Resident   int              `json:"resident,omitempty"`

	// Error, sent by the server.
	Error string `json:"error,omitempty"`
}

func (m Msg) TypeString() string {
	if m.Type == "" {
		return "unknown"
	}
	return string(m.Type)
}

// Receiver is a function that receives a message and returns its size in
// bytes.
type Receiver func() (Msg, int, error)

// Sender is a function that sends a message and returns its size in bytes.
type Sender func(Msg) (int, error)

// ResponseSender queues messages to be sent to the client.
type ResponseSender interface {
	Send(Msg)
}

// Receive reads a JSON message from the given connection. Messages that
// can't be decoded are returned with an ErrTypeBadMessage error.
func Receive(conn *websocket.Conn) (Msg, int, error) {
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		return Msg{}, 0, err
	}

	var msg Msg
	if err := json.Unmarshal(data, &msg); err != nil {
		return Msg{}, len(data), errors.New("decoding message failed").
			WithType(ErrTypeBadMessage).
			Wrap(err)
	}
	return msg, len(data), nil
}

// Send writes a JSON message as a text frame to the given connection.
func Send(conn *websocket.Conn, msg Msg) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, errors.New("encoding message failed").
			WithTag("msg_type", msg.TypeString()).
			Wrap(err)
	}

	if err = websocket.Message.Send(conn, string(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}
