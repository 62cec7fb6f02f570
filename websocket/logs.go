package websocket

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:            h,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]int),
	}

	go handler.startSummaryWorker(ctx)
	return handler
}

type handlerWithLogs struct {
	Handler

	remoteAddr string
	userAgent  string
	managerID  string

	summaryInterval    time.Duration
	closeSummaryWorker func()
	counterMutex       sync.Mutex
	counter            map[string]int
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) error {
	err := h.Handler.HandleConnect(conn)

	req := conn.Request()
	h.remoteAddr = req.RemoteAddr
	h.userAgent = req.UserAgent()

	if m, ok := h.Handler.(interface{ ManagerID() string }); ok {
		h.managerID = m.ManagerID()
	}

	if err != nil {
		logs.WithTag(logs.ClientIDTag, h.GetClientID()).
			WithTag("remote_addr", h.remoteAddr).
			Error(errors.New("viewer connection failed").Wrap(err))
		return err
	}

	logs.WithTag(logs.ClientIDTag, h.GetClientID()).
		WithTag("manager_id", h.managerID).
		WithTag("remote_addr", h.remoteAddr).
		WithTag("user_agent", h.userAgent).
		Info("new viewer is connected")
	return nil
}

func (h *handlerWithLogs) HandleArea(ctx context.Context, respond ResponseSender, msg Msg) error {
	err := h.Handler.HandleArea(ctx, respond, msg)
	if err == nil {
		logs.WithTag(logs.ClientIDTag, h.GetClientID()).
			WithTag("manager_id", h.managerID).
			WithTag("area", msg.Area).
			WithTag("sync", msg.Sync).
			Debug("area preload requested")
	}
	return err
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	entry := logs.WithTag(logs.ClientIDTag, h.GetClientID()).
		WithTag("manager_id", h.managerID)
	if err != nil {
		entry = entry.WithTag("reason", err.Error())
	}
	entry.Info("viewer disconnected")
}

func (h *handlerWithLogs) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			logs.WithTag(logs.ClientIDTag, h.GetClientID()).
				WithTag("manager_id", h.managerID).
				Error(errors.New("receiving message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(logs.ClientIDTag, h.GetClientID()).
				WithTag("manager_id", h.managerID).
				WithTag("msg_type", msg.TypeString()).
				Debug("message received")
			h.incCounter(msg.TypeString())
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() Sender {
	sender := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		msgType := msg.TypeString()

		n, err := sender(msg)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logs.WithTag(logs.ClientIDTag, h.GetClientID()).
				WithTag("manager_id", h.managerID).
				WithTag("msg_type", msgType).
				Error(errors.New("sending message failed").Wrap(err))
		} else if err == nil && msg.Type != MsgTypeFrame {
			logs.WithTag(logs.ClientIDTag, h.GetClientID()).
				WithTag("manager_id", h.managerID).
				WithTag("msg_type", msgType).
				Debug("message sent")
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.closeSummaryWorker()
	h.logSummary()
}

func (h *handlerWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

func (h *handlerWithLogs) incCounter(msgType string) {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	h.counter[msgType]++
}

func (h *handlerWithLogs) logSummary() {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	if len(h.counter) == 0 {
		return
	}

	entry := logs.
		WithTag(logs.ClientIDTag, h.GetClientID()).
		WithTag("manager_id", h.managerID).
		WithTag("time_interval", h.summaryInterval)

	for k, v := range h.counter {
		entry = entry.WithTag(k, v)
		delete(h.counter, k)
	}

	entry.Info("inbound message summary")
}
