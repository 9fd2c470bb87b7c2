package heapview

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/websocket"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Source runs one full query. It is never called concurrently.
	Source func() (*Snapshot, error)

	OptLogger *slog.Logger
}

// NewServer returns a Server that relays snapshots produced by
// config.Source. Nothing is queried until Refresh is called.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Source == nil {
		return nil, errors.New("snapshot source function is nil")
	}

	logger := config.OptLogger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		source: config.Source,
		logger: logger,
		subs:   make(map[chan []byte]struct{}),
	}, nil
}

// Server relays serialized snapshots to HTTP and websocket clients.
// It only ever holds completed, serialized snapshots.
//
// Routes:
//
//	GET  /heap    latest snapshot as JSON
//	POST /refresh run a new query and publish it
//	     /ws      websocket that receives every published snapshot
type Server struct {
	source func() (*Snapshot, error)
	logger *slog.Logger

	// query serializes calls to source.
	query sync.Mutex

	mu     sync.Mutex
	latest []byte
	subs   map[chan []byte]struct{}
}

// Refresh runs a new query and publishes its result to every
// subscriber. Concurrent callers wait for the query in flight to
// finish before starting their own.
func (o *Server) Refresh() ([]byte, error) {
	o.query.Lock()
	defer o.query.Unlock()

	snapshot, err := o.source()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query heap state")
	}

	raw, err := snapshot.JSON()
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize snapshot")
	}

	o.publish(raw)

	return raw, nil
}

// Latest returns the last published snapshot, or nil if there is
// none yet.
func (o *Server) Latest() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.latest
}

func (o *Server) publish(raw []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.latest = raw

	for sub := range o.subs {
		// Subscribers only care about the newest snapshot.
		select {
		case <-sub:
		default:
		}
		sub <- raw
	}
}

func (o *Server) subscribe() (chan []byte, func()) {
	sub := make(chan []byte, 1)

	o.mu.Lock()
	o.subs[sub] = struct{}{}
	if o.latest != nil {
		sub <- o.latest
	}
	o.mu.Unlock()

	return sub, func() {
		o.mu.Lock()
		delete(o.subs, sub)
		o.mu.Unlock()
	}
}

// Handler returns the HTTP handler serving the routes documented
// on Server.
func (o *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/heap", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		raw := o.Latest()
		if raw == nil {
			http.Error(w, "no snapshot available", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	})

	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		raw, err := o.Refresh()
		if err != nil {
			o.logger.Error("refresh failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	})

	mux.Handle("/ws", websocket.Server{Handler: o.serveWebsocket})

	return mux
}

func (o *Server) serveWebsocket(ws *websocket.Conn) {
	defer ws.Close()

	sub, unsubscribe := o.subscribe()
	defer unsubscribe()

	o.logger.Debug("websocket client connected", "remote", ws.Request().RemoteAddr)

	// Clients never send anything meaningful. Reading only
	// detects when they go away.
	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, ws)
		close(gone)
	}()

	for {
		select {
		case <-gone:
			o.logger.Debug("websocket client disconnected", "remote", ws.Request().RemoteAddr)
			return
		case raw := <-sub:
			err := websocket.Message.Send(ws, string(raw))
			if err != nil {
				o.logger.Debug("failed to send snapshot", "error", err)
				return
			}
		}
	}
}

// ListenAndServe serves Handler on addr until ctx is done.
func (o *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	return o.Serve(ctx, listener)
}

// Serve serves Handler on listener until ctx is done. The
// listener is closed when Serve returns.
func (o *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(listener)
	}()

	o.logger.Info("serving heap snapshots", "address", listener.Addr().String())

	select {
	case err := <-errs:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		server.Shutdown(shutdownCtx)

		return ctx.Err()
	}
}
