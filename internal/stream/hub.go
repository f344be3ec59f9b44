package stream

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SlyRix/FotoBox-sub000/internal/camera"
	"github.com/SlyRix/FotoBox-sub000/internal/logger"
)

// CameraController is the hub's handle on the capture process supervisor
type CameraController interface {
	Start() error
	Stop()
}

const sendBuffer = 8

type subscriber struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	isStreaming bool
}

// Hub fans demuxed frames out to subscribed viewers and drives the
// supervisor from the streaming reference count: the first viewer to start
// preview starts the capture process, the last one to stop (or disconnect)
// stops it. Supervisor state transitions are relayed to streaming viewers
// as previewStatus messages.
type Hub struct {
	camera CameraController
	log    *zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewHub creates a hub controlling the given camera supervisor
func NewHub(cam CameraController) *Hub {
	return &Hub{
		camera: cam,
		log:    logger.WithComponent("stream-hub"),
		subs:   make(map[string]*subscriber),
	}
}

// HandleConnection owns a viewer websocket for its lifetime. It returns when
// the connection closes; the subscriber is removed and, if it was the last
// streaming viewer, the camera is stopped.
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	h.log.Info().Str("subscriber", sub.id).Int("total", total).Msg("Viewer connected")

	go h.writePump(sub)
	h.trySend(sub, encodeInfo("connected"))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		cmd, err := DecodeCommand(data)
		if err != nil {
			h.log.Warn().Err(err).Str("subscriber", sub.id).Msg("Ignoring message")
			continue
		}
		h.dispatch(sub, cmd)
	}

	h.unregister(sub)
}

func (h *Hub) dispatch(sub *subscriber, cmd Command) {
	switch cmd {
	case CmdStartPreview:
		h.mu.Lock()
		sub.isStreaming = true
		h.mu.Unlock()

		if err := h.camera.Start(); err != nil {
			h.log.Error().Err(err).Msg("Camera start failed")
			h.trySend(sub, encodePreviewStatus(StatusError, err.Error()))
		}

	case CmdStopPreview:
		h.mu.Lock()
		sub.isStreaming = false
		still := h.anyStreamingLocked()
		h.mu.Unlock()

		if !still {
			h.camera.Stop()
		}

	case CmdPing:
		h.trySend(sub, encodePong())
	}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	wasStreaming := sub.isStreaming
	sub.isStreaming = false
	still := h.anyStreamingLocked()
	remaining := len(h.subs)
	h.mu.Unlock()

	if !present {
		return
	}

	sub.closeOnce.Do(func() { close(sub.done) })
	h.log.Info().Str("subscriber", sub.id).Int("remaining", remaining).Msg("Viewer disconnected")

	if wasStreaming && !still {
		h.camera.Stop()
	}
}

// writePump serializes writes to one connection. A write failure ends the
// subscription without affecting delivery to other viewers.
func (h *Hub) writePump(sub *subscriber) {
	for {
		select {
		case msg := <-sub.send:
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Warn().Err(err).Str("subscriber", sub.id).Msg("Write failed, dropping viewer")
				_ = sub.conn.Close()
				h.unregister(sub)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// trySend queues a message, dropping it if the subscriber is slow
func (h *Hub) trySend(sub *subscriber, msg []byte) {
	select {
	case sub.send <- msg:
	default:
		h.log.Debug().Str("subscriber", sub.id).Msg("Subscriber slow, dropping message")
	}
}

// BroadcastFrame encodes a frame once and delivers it to every streaming
// viewer in extraction order
func (h *Hub) BroadcastFrame(f camera.Frame) {
	msg := encodePreviewFrame(f)

	h.mu.Lock()
	targets := h.streamingLocked()
	h.mu.Unlock()

	for _, sub := range targets {
		h.trySend(sub, msg)
	}
}

// HandleState relays a supervisor state transition to streaming viewers
func (h *Hub) HandleState(st camera.State) {
	status, message := StatusForState(st)
	msg := encodePreviewStatus(status, message)

	h.mu.Lock()
	targets := h.streamingLocked()
	h.mu.Unlock()

	h.log.Debug().Str("status", status).Int("viewers", len(targets)).Msg("Relaying camera status")
	for _, sub := range targets {
		h.trySend(sub, msg)
	}
}

// HasStreaming reports whether any viewer currently has preview running
func (h *Hub) HasStreaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anyStreamingLocked()
}

// Counts returns the total and streaming subscriber counts
func (h *Hub) Counts() (total, streaming int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.isStreaming {
			streaming++
		}
	}
	return len(h.subs), streaming
}

func (h *Hub) anyStreamingLocked() bool {
	for _, sub := range h.subs {
		if sub.isStreaming {
			return true
		}
	}
	return false
}

func (h *Hub) streamingLocked() []*subscriber {
	var out []*subscriber
	for _, sub := range h.subs {
		if sub.isStreaming {
			out = append(out, sub)
		}
	}
	return out
}
