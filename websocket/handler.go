package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 64
	receiveChanSize = 16
)

// Handler represents a viewer stream handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn) error

	// Handles a viewer position update.
	HandleViewer(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles an area preload request.
	HandleArea(ctx context.Context, respond ResponseSender, msg Msg) error

	// Loads, renders and sends the tiles around the viewer.
	HandleFrame(ctx context.Context, respond ResponseSender) error

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender used to send messages.
	Sender() Sender

	// Closes the handler and releases its allocated resources.
	Close()

	// The interval between each frame.
	FrameDuration() time.Duration

	// The time a client is idle before being disconnected.
	IdleTimeout() time.Duration

	// Get ClientID
	GetClientID() string
}

// Handle runs the given handler on the connection until the client
// disconnects or the context is canceled.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The viewer handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := h.Handler.HandleConnect(h.Conn); err != nil {
		h.handleDisconnect(errors.New("handling connection failed").Wrap(err))
		return
	}

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.receiveChan = make(chan Msg, receiveChanSize)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	frameTicker := time.NewTicker(h.Handler.FrameDuration())
	defer frameTicker.Stop()

	responder := responseSender{
		send: h.send,
	}

	disconnected := false

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", idleTimeout))

		case <-frameTicker.C:
			if err := h.Handler.HandleFrame(ctx, responder); err != nil {
				h.disconnect(errors.New("handling frame failed").Wrap(err))
			}

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if err := h.handleMessage(ctx, msg, responder); err != nil {
				h.disconnect(errors.New("handling message failed").Wrap(err))
			}

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			disconnected = true
			// cancel context so go routines can cleanly exit
			cancel()
		}
	}

	// Closing the connection unblocks the receiver.
	if !disconnected {
		h.handleDisconnect(ctx.Err())
	}
	wg.Wait()
}

func (h *handler) send(msg Msg) {
	select {
	case h.sendChan <- msg:
	default:
		logs.WithTag(logs.ClientIDTag, h.Handler.GetClientID()).
			WithTag("msg_type", msg.TypeString()).
			Debug("send queue is full, message skipped")
	}
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		default:
			msg, _, err := h.receiver()
			if errors.IsType(err, ErrTypeBadMessage) {
				h.send(errorMsg(err))
				continue
			}
			if err != nil {
				h.disconnect(errors.New("receiving message failed").Wrap(err))
				return
			}

			select {
			case <-ctx.Done():
				return
			case h.receiveChan <- msg:
			}
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) error {
	var err error

	switch msg.Type {
	case MsgTypeViewer:
		err = h.Handler.HandleViewer(ctx, responder, msg)

	case MsgTypeArea:
		err = h.Handler.HandleArea(ctx, responder, msg)

	default:
		err = errors.New("unsupported message type").
			WithType(ErrTypeBadMessage).
			WithTag("msg_type", msg.TypeString())
	}

	if errors.IsType(err, ErrTypeBadMessage) {
		responder.Send(errorMsg(err))
		return nil
	}
	return err
}

func (h *handler) disconnect(err error) {
	h.disconnectChan <- err
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

func errorMsg(err error) Msg {
	return Msg{
		Type:  MsgTypeError,
		Error: err.Error(),
	}
}

type responseSender struct {
	send func(Msg)
}

func (r responseSender) Send(msg Msg) {
	r.send(msg)
}
