package inkhub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkhub/inkhub/utils"
)

// Server is the HTTP boundary around the hub: the websocket endpoint,
// a health check reporting the connection count, prometheus metrics,
// and the optional static canvas UI.
type Server struct {
	log  utils.Logger
	opts Options
	hub  *Hub
	http *http.Server
}

func NewServer(opts Options) *Server {
	opts.SetDefaults()
	hub := NewHub(opts)

	reg := prometheus.NewRegistry()
	hub.RegisterMetrics(reg)

	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": hub.ConnectionCount(),
			"operations":  hub.Log().Len(),
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if opts.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticDir)))
	}

	return &Server{
		log:  opts.Logger,
		opts: opts,
		hub:  hub,
		http: &http.Server{Addr: opts.Addr, Handler: r},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.hub.Start()
	s.log.Info("server: listening", "addr", s.opts.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	if cerr := s.hub.Close(); err == nil {
		err = cerr
	}
	return err
}
