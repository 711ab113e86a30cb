package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/laviprog/speech-transcription/internal/events"
	"github.com/laviprog/speech-transcription/internal/services"
	"github.com/laviprog/speech-transcription/internal/utils"
)

// WSHandler streams job lifecycle events to clients over a websocket.
type WSHandler struct {
	transcriptions services.TranscriptionService
	bus            *events.Bus
	upgrader       websocket.Upgrader
}

func NewWSHandler(transcriptions services.TranscriptionService, bus *events.Bus) *WSHandler {
	return &WSHandler{
		transcriptions: transcriptions,
		bus:            bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

// JobEvents upgrades the connection and forwards lifecycle events for one
// job. The optional ?since=<seq> query replays recorded events first so
// reconnecting clients miss nothing still in the history window.
func (h *WSHandler) JobEvents(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	jobID := c.Param("job_id")
	if jobID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "WSHandler.JobEvents", "missing job_id", nil))
		return
	}

	// Ownership check before upgrading.
	if _, err := h.transcriptions.Status(c.Request.Context(), userID, jobID); err != nil {
		writeError(c, err)
		return
	}

	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}

	// Subscribe before replay so no event falls in the gap. Duplicates
	// across the boundary are filtered by sequence.
	live, cancel := h.bus.Subscribe(jobID)
	defer cancel()

	lastSeq := since
	for _, ev := range h.bus.Since(jobID, since) {
		if err := wc.writeJSON(ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}

	// reader: detect client disconnect
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			wc.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			wc.mu.Unlock()
			if err != nil {
				return
			}
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if err := wc.writeJSON(ev); err != nil {
				return
			}
			if ev.State.Terminal() {
				return
			}
		}
	}
}
