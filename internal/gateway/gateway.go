// Package gateway relays scan events to websocket clients.
//
// A client opens /ws/scan and sends a ScanRequest as its first message. The
// server answers with an accepted event, zero or more status events and
// exactly one complete or error event, then a close frame. A client leaving
// early only detaches its subscription, the scan itself continues unless the
// supervisor is configured to abort on disconnect.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/garakd/internal/log"
	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/CZERTAINLY/garakd/internal/service"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	requestWait  = 30 * time.Second
	closeGrace   = time.Second
	maxRequest   = 64 << 10
	bufferSize   = 4096
	closeMessage = "scan finished"
)

var errClientGone = errors.New("client disconnected")

// Scans is implemented by service.Supervisor.
type Scans interface {
	Submit(ctx context.Context, req model.ScanRequest) (*service.Handle, error)
	Attach(ctx context.Context, id string) (*service.Handle, error)
}

type Gateway struct {
	scans    Scans
	upgrader websocket.Upgrader
	pingEach time.Duration
}

// New creates a gateway. Origins lists allowed browser origins, empty or
// "*" allows any.
func New(scans Scans, origins []string) *Gateway {
	return &Gateway{
		scans: scans,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     checkOrigin(origins),
		},
		pingEach: pingPeriod,
	}
}

// Scan handles GET /ws/scan.
func (g *Gateway) Scan(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequest)
	ctx := r.Context()

	_ = conn.SetReadDeadline(time.Now().Add(requestWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		slog.DebugContext(ctx, "reading scan request", "error", err)
		return
	}
	var req model.ScanRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		g.reject(ctx, conn, fmt.Errorf("invalid scan request: %w", err))
		return
	}

	h, err := g.scans.Submit(ctx, req)
	if err != nil {
		slog.InfoContext(ctx, "scan rejected", "model_name", req.ModelName, "error", err)
		g.reject(ctx, conn, err)
		return
	}
	g.relay(ctx, conn, h)
}

// Watch handles GET /ws/scans/{id}.
func (g *Gateway) Watch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	h, err := g.scans.Attach(ctx, id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Detach()
		slog.DebugContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	g.relay(ctx, conn, h)
}

// relay forwards events of h until the terminal one, or until the client
// goes away.
func (g *Gateway) relay(ctx context.Context, conn *websocket.Conn, h *service.Handle) {
	defer h.Detach()
	ctx = log.ContextAttrs(ctx, slog.String("scan_id", h.ID))

	finished := make(chan struct{})
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return read(conn, finished)
	})
	eg.Go(func() error {
		defer close(finished)
		defer func() {
			// unblocks the reader if the client never answers the close frame
			_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
		}()
		return g.write(ctx, conn, h)
	})

	err := eg.Wait()
	switch {
	case err == nil:
		slog.DebugContext(ctx, "scan channel closed")
	case errors.Is(err, errClientGone):
		slog.InfoContext(ctx, "client left before the scan finished")
	default:
		slog.WarnContext(ctx, "scan channel failed", "error", err)
	}
}

// read consumes control frames until the connection fails. Client messages
// after the request are ignored. Errors after finished is closed are expected.
func read(conn *websocket.Conn, finished <-chan struct{}) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case <-finished:
				return nil
			default:
				return fmt.Errorf("%w: %w", errClientGone, err)
			}
		}
	}
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, h *service.Handle) error {
	ticker := time.NewTicker(g.pingEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// the reader has failed
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("%w: ping: %w", errClientGone, err)
			}
		case ev, ok := <-h.Events():
			if !ok {
				return g.close(conn)
			}
			if err := send(conn, ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return g.close(conn)
			}
		}
	}
}

// close sends a normal close frame.
func (g *Gateway) close(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeMessage)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("writing close frame: %w", err)
	}
	return nil
}

// reject sends a terminal error for a scan which was never accepted.
func (g *Gateway) reject(ctx context.Context, conn *websocket.Conn, cause error) {
	if err := send(conn, model.Event{Type: model.EventError, Message: cause.Error()}); err != nil {
		slog.DebugContext(ctx, "sending rejection", "error", err)
		return
	}
	if err := g.close(conn); err != nil {
		slog.DebugContext(ctx, "closing rejected channel", "error", err)
		return
	}
	// wait for the close reply or the grace deadline
	_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func send(conn *websocket.Conn, ev model.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("%w: writing %s event: %w", errClientGone, ev.Type, err)
	}
	return nil
}

func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, o := range origins {
			if strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
				return true
			}
		}
		return false
	}
}
