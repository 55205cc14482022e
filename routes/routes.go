package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	hmacext "github.com/alexellis/hmac/v2"
	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
	"github.com/rs/cors"
	"nhooyr.io/websocket"

	"github.com/marcus-crane/lightshow/auth"
	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/engine"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/shared"
)

const maxCommandBody = 64 << 10

type Options struct {
	Engine    *engine.Engine
	Collector *metrics.Collector
	// Events serves the per-browser render streams and the announcements stream
	Events *sse.Server
	// AdminVerifier checks bearer tokens on the admin control channel
	AdminVerifier  auth.Verifier
	WebhookSecret  string
	AllowedOrigins []string
	Now            func() time.Time
}

type stats struct {
	metrics.Snapshot
	Published uint64                 `json:"published_seq"`
	Clients   []broadcast.ClientInfo `json:"clients"`
}

func renderJSONMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	res := map[string]string{"message": message}
	json.NewEncoder(w).Encode(res)
}

func renderJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func Register(mux *http.ServeMux, opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := opts.Engine

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "Welcome to Lightshow, the VJ coordination server.\nYou can find the source code on <a href=\"https://github.com/marcus-crane/lightshow\">Github</a>\n")
	})

	mux.HandleFunc("/api/v1", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "This is the v1 endpoint of the Lightshow API")
	})

	mux.HandleFunc("GET /api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, e.Machine().Snapshot())
	})

	mux.HandleFunc("GET /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, e.Sessions())
	})

	mux.HandleFunc("GET /api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, stats{
			Snapshot:  opts.Collector.Snapshot(opts.Now()),
			Published: e.Fanout().Published(),
			Clients:   e.Fanout().Clients(),
		})
	})

	mux.HandleFunc("POST /api/v1/admin/commands", func(w http.ResponseWriter, r *http.Request) {
		if opts.WebhookSecret == "" {
			renderJSONError(w, http.StatusServiceUnavailable, "this endpoint is not properly configured")
			return
		}

		signature := r.Header.Get("X-Signature")
		if signature == "" {
			renderJSONError(w, http.StatusUnauthorized, "no signature was provided")
			return
		}
		if !strings.HasPrefix(signature, "sha256=") {
			signature = "sha256=" + signature
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if err != nil {
			renderJSONError(w, http.StatusBadRequest, "failed to read request body as part of signature validation")
			return
		}

		if err := hmacext.Validate(body, signature, opts.WebhookSecret); err != nil {
			slog.With(slog.Any("error", err)).Warn("Failed signature validation")
			renderJSONError(w, http.StatusUnauthorized, "signature failed validation")
			return
		}

		var cmd engine.Command
		if err := json.Unmarshal(body, &cmd); err != nil {
			renderJSONError(w, http.StatusBadRequest, "failed to unmarshal request body")
			return
		}
		if cmd.Type == engine.CmdAck {
			renderJSONError(w, http.StatusBadRequest, "acks are only accepted on a client channel")
			return
		}

		ack := e.Execute(cmd)
		status := http.StatusOK
		if !ack.OK {
			status = http.StatusUnprocessableEntity
		}
		slog.With(slog.String("type", cmd.Type), slog.Bool("ok", ack.OK), slog.Uint64("seq", ack.Seq)).Info("Executed webhook command")
		renderJSON(w, status, ack)
	})

	mux.Handle("GET /metrics", opts.Collector.Handler())

	mux.HandleFunc("GET /ws/dj", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.AllowedOrigins})
		if err != nil {
			slog.With(slog.Any("error", err)).Warn("Failed to accept DJ connection")
			return
		}
		if err := e.ServeDJ(r.Context(), &wsConn{conn: conn}); err != nil {
			slog.With(slog.String("remote", r.RemoteAddr), slog.String("error", err.Error())).Info("DJ session ended")
		}
	})

	mux.HandleFunc("GET /ws/plugin", func(w http.ResponseWriter, r *http.Request) {
		serveClient(w, r, opts, broadcast.ClassPlugin, e.ReadAcks)
	})

	mux.HandleFunc("GET /ws/admin", func(w http.ResponseWriter, r *http.Request) {
		identity, err := opts.AdminVerifier.Verify(r.Context(), auth.BearerToken(r))
		if err != nil {
			renderJSONError(w, http.StatusUnauthorized, "your request was not authorized")
			return
		}
		if identity.Role != shared.ROLE_ADMIN {
			renderJSONError(w, http.StatusForbidden, "this credential can not control the show")
			return
		}
		serveClient(w, r, opts, broadcast.ClassAdmin, e.ServeAdmin)
	})

	mux.HandleFunc("GET /events/browser", func(w http.ResponseWriter, r *http.Request) {
		stream := uuid.NewString()
		sink := broadcast.NewSSESink(opts.Events, stream)
		client, err := e.Fanout().Register(stream, broadcast.ClassBrowser, sink)
		if err != nil {
			opts.Events.RemoveStream(stream)
			renderJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		defer e.Fanout().Unregister(client.ID, nil)
		sink.Serve(w, r)
	})

	mux.HandleFunc("GET /events", opts.Events.ServeHTTP)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Signature"},
	})

	handler := c.Handler(mux)

	return handler
}

type clientLoop func(ctx context.Context, client *broadcast.Client, r engine.Reader) error

// serveClient upgrades a render or control client and registers it with the
// fanout until its read side ends.
func serveClient(w http.ResponseWriter, r *http.Request, opts Options, class broadcast.Class, loop clientLoop) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.AllowedOrigins})
	if err != nil {
		slog.With(slog.String("class", string(class)), slog.Any("error", err)).Warn("Failed to accept client connection")
		return
	}
	fanout := opts.Engine.Fanout()
	client, err := fanout.Register("", class, broadcast.NewWebSocketSink(conn, class))
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "server is shutting down")
		return
	}

	err = loop(r.Context(), client, &wsConn{conn: conn})
	if isClosure(err) {
		err = nil
	}
	fanout.Unregister(client.ID, err)
	<-client.Done()
}

func isClosure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

// wsConn adapts a WebSocket to the engine's message transport.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return c.conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, auth.ErrAuthFailure), errors.Is(err, engine.ErrHandshake):
		return c.conn.Close(websocket.StatusPolicyViolation, "authentication failed")
	case errors.Is(err, engine.ErrEvicted):
		return c.conn.Close(websocket.StatusPolicyViolation, "session evicted")
	case errors.Is(err, engine.ErrShuttingDown):
		return c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(err, engine.ErrLinkStalled):
		return c.conn.Close(websocket.StatusTryAgainLater, "too slow to keep up")
	default:
		return c.conn.Close(websocket.StatusInternalError, "session ended")
	}
}
