package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
	"github.com/caesar-terminal/depthsync/internal/publish"
)

// Books is satisfied by pipeline.Registry.
type Books interface {
	Keys() []adapter.Key
	Get(key adapter.Key) (*pipeline.Pipeline, bool)
}

// Freshness is satisfied by publish.Monitor.
type Freshness interface {
	Fresh(key adapter.Key) bool
	Status(key adapter.Key) (pipeline.Status, bool)
}

// BookHealth is one row of the /healthz report.
type BookHealth struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	Fresh    bool   `json:"fresh"`
}

// Health is the /healthz body.
type Health struct {
	OK      bool         `json:"ok"`
	Clients int          `json:"clients"`
	Drops   uint64       `json:"drops"`
	Books   []BookHealth `json:"books"`
}

// HTTPServer serves the hub and read-only book endpoints.
type HTTPServer struct {
	hub   *Hub
	books Books
	fresh Freshness
	log   *zap.Logger
	mux   *http.ServeMux
	srv   *http.Server
}

// NewHTTPServer wires the routes. fresh may be nil.
func NewHTTPServer(addr string, hub *Hub, books Books, fresh Freshness, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &HTTPServer{
		hub:   hub,
		books: books,
		fresh: fresh,
		log:   log.Named("http"),
		mux:   http.NewServeMux(),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the handler, for tests and embedding.
func (s *HTTPServer) Router() http.Handler { return s.mux }

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *HTTPServer) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("/ws", s.hub.ServeWS)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/depth", s.handleDepth)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := Health{
		OK:      true,
		Clients: s.hub.Clients(),
		Drops:   s.hub.Drops(),
		Books:   []BookHealth{},
	}
	for _, key := range s.books.Keys() {
		row := BookHealth{Exchange: string(key.Exchange), Symbol: key.Symbol, Status: "unknown"}
		if p, ok := s.books.Get(key); ok && p.Status() != 0 {
			row.Status = p.Status().String()
		}
		if s.fresh != nil {
			if st, ok := s.fresh.Status(key); ok {
				row.Status = st.String()
			}
			row.Fresh = s.fresh.Fresh(key)
		} else {
			row.Fresh = row.Status == pipeline.StatusSynced.String()
		}
		if !row.Fresh {
			h.OK = false
		}
		h.Books = append(h.Books, row)
	}

	code := http.StatusOK
	if !h.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// handleDepth returns the latest result of one book as a publish.Payload.
func (s *HTTPServer) handleDepth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ex, sym := q.Get("exchange"), q.Get("symbol")
	if ex == "" || sym == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exchange and symbol are required"})
		return
	}
	key := adapter.Key{Exchange: adapter.Exchange(ex), Symbol: adapter.CanonicalSymbol(sym)}
	p, ok := s.books.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown book " + key.String()})
		return
	}
	res, ok := p.Latest()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no data yet for " + key.String()})
		return
	}
	writeJSON(w, http.StatusOK, publish.NewPayload(res))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
