package server

import "net/http"

// Routes builds the HTTP surface: health checks, metrics, the WebSocket
// endpoint and the JSON API. API routes are rate limited per client.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/ws/{token}", s.WebSocketHandler)

	api := func(pattern string, h http.HandlerFunc, roles ...string) {
		mux.Handle(pattern, s.limiter.middleware(s.authenticated(h, roles...)))
	}
	api("GET /api/online", s.handleOnline)
	api("GET /api/stats", s.handleStats, roleMaster)
	api("POST /api/notifications", s.handleNotify, roleMaster, roleCoordinator)
	api("PATCH /api/messages/{id}", s.handleUpdateMessage)
	api("DELETE /api/messages/{id}", s.handleDeleteMessage)
	api("POST /api/messages/{id}/reactions", s.handleReaction)

	mux.HandleFunc("GET /{$}", s.HealthHandler)
	return mux
}
