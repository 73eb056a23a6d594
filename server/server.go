// Package server implements the read-only operator dashboard: a
// JSON+SSE diagnostic HTTP API over the Identity Table, live Sessions,
// the Presence Tracker, and the Transfer Engine. It carries no write
// path other than triggering a discovery rescan — all state mutation
// stays on the Command Plane.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/presence"
	"github.com/csoslab/slimhub/session"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Sessions returns a point-in-time snapshot of every known Session,
// keyed by relay address — satisfied by discovery.Supervisor.Sessions.
type Sessions func() map[string]*session.Session

// Server owns the dashboard's HTTP listener and route table.
type Server struct {
	port       int
	identity   *identity.Table
	sessions   Sessions
	presence   *presence.Tracker
	refresh    func()
	router     *mux.Router
	httpServer *http.Server
	log        *logrus.Entry
}

// New builds a dashboard Server bound to the hub's live state. refresh
// is invoked by POST /api/refresh to trigger an out-of-band discovery
// scan.
func New(port int, ident *identity.Table, sessions Sessions, pres *presence.Tracker, refresh func(), log *logrus.Entry) *Server {
	s := &Server{
		port:     port,
		identity: ident,
		sessions: sessions,
		presence: pres,
		refresh:  refresh,
		router:   mux.NewRouter(),
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/deans", s.handleListDeans).Methods("GET")
	api.HandleFunc("/deans/{mac}/stream", s.handleDeanStream).Methods("GET")
	api.HandleFunc("/deans/{mac}/presence", s.handleDeanPresence).Methods("GET")
	api.HandleFunc("/presence", s.handlePresence).Methods("GET")
	api.HandleFunc("/transfers", s.handleTransfers).Methods("GET")
	api.HandleFunc("/refresh", s.handleRefresh).Methods("POST")
}

func loggingMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.WithField("remote", r.RemoteAddr).Debugf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

// Run serves the dashboard until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware(s.log))
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.httpServer.Shutdown(context.Background())
	}()

	s.log.WithField("port", s.port).Info("dashboard listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
