package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/off-context/off-context/internal/api/middleware"
	"github.com/off-context/off-context/internal/config"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/memory"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxClientMessage = 4 << 10

	// Quiet period after a storage write before a snapshot is pushed.
	eventDebounce = 200 * time.Millisecond
)

// watchedFiles are the storage files whose changes alter the status snapshot.
var watchedFiles = map[string]bool{
	memory.TurnsFile:      true,
	memory.SessionsFile:   true,
	memory.GenerationFile: true,
	config.ConfigFileName: true,
}

// Event is one message on the status stream.
type Event struct {
	Type   string              `json:"type"`
	Status any                 `json:"status,omitempty"`
	Error  *apperrors.AppError `json:"error,omitempty"`
	At     time.Time           `json:"at"`
}

// SetAllowedOrigins sets the browser origins accepted by the event stream in
// addition to loopback pages.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.allowOrigins = append([]string(nil), origins...)
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.TrustedOrigin(h.allowOrigins, r.Header.Get("Origin"))
		},
	}
}

// Events upgrades to a websocket and pushes a status snapshot on connect and
// after every change to the project's storage.
func (h *Handler) Events(c *gin.Context) {
	logger := log.WithField("component", "events")
	root := h.rootFor(c)
	st, err := h.svc.Status(c.Request.Context(), root)
	if err != nil {
		WriteError(c, err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		WriteError(c, apperrors.IOFailure("create watcher", err))
		return
	}
	defer func() { _ = watcher.Close() }()
	if err = watcher.Add(st.StoragePath); err != nil {
		WriteError(c, apperrors.IOFailure("watch "+st.StoragePath, err))
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)

	send := func(ev Event) bool {
		ev.At = time.Now().UTC()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if errWrite := conn.WriteJSON(ev); errWrite != nil {
			logger.WithError(errWrite).Debug("websocket write failed")
			return false
		}
		return true
	}
	if !send(Event{Type: "status", Status: st}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	debounce := time.NewTimer(eventDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if watchedFiles[filepath.Base(ev.Name)] {
				debounce.Reset(eventDebounce)
			}
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(errWatch).Warn("storage watcher error")
		case <-debounce.C:
			snapshot, errStatus := h.svc.Status(ctx, root)
			ev := Event{Type: "status", Status: snapshot}
			if errStatus != nil {
				ev = Event{Type: "error", Error: apperrors.From(errStatus)}
			}
			if !send(ev) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if errPing := conn.WriteMessage(websocket.PingMessage, nil); errPing != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// cancels the stream once the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}
