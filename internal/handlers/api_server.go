// internal/handlers/api_server.go
package handlers

import (
	"net/http"

	"github.com/Wedja10/SAE-S4-sub000/internal/lobby"
	"github.com/Wedja10/SAE-S4-sub000/internal/middleware"
	"github.com/Wedja10/SAE-S4-sub000/internal/registry"
	"github.com/Wedja10/SAE-S4-sub000/internal/router"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// APIServer exposes the lobby over HTTP and the lobby websocket. Every
// dependency is built by the caller and passed in.
type APIServer struct {
	Store    *lobby.Store
	Registry *registry.Registry
	Router   *router.Router
	Players  PlayerDirectory
	Logger   *logrus.Logger

	// AllowedOrigins are websocket origin patterns; empty allows same-origin only.
	AllowedOrigins []string
	// PublicURL is encoded in session QR codes; empty derives it from the request.
	PublicURL string
}

// Routes builds the HTTP handler.
func (s *APIServer) Routes() http.Handler {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		s.Logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"panic":  v,
		}).Error("Handler panicked")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}

	mux.GET("/healthz", s.HealthHandler)

	mux.POST("/api/players", s.CreatePlayerHandler)
	mux.GET("/api/players/:id", s.GetPlayerHandler)

	mux.POST("/api/sessions", s.CreateSessionHandler)
	mux.GET("/api/sessions", s.ListSessionsHandler)
	mux.GET("/api/sessions/:code", s.GetSessionHandler)
	mux.GET("/api/sessions/:code/qr.png", s.QRHandler)

	mux.GET("/ws", s.LobbyWSHandler)

	return middleware.LogMiddleware(s.Logger)(mux)
}

type healthBody struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

// HealthHandler reports liveness with a few gauges.
func (s *APIServer) HealthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:      "ok",
		Sessions:    s.Store.Count(),
		Connections: s.Registry.Count(),
	})
}
