// Package server wires HTTP handlers into a ServeMux for the HiveChat
// application via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application
// routes: health check, the two chat endpoints, login, and history.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.HealthHandler)
	mux.HandleFunc("/ws", s.PersonalChatHandler)
	mux.HandleFunc("/ws/{workspace}", s.WorkspaceChatHandler)
	mux.HandleFunc("/login", s.LoginHandler)
	mux.HandleFunc("/history/direct/{user}", s.DirectHistoryHandler)
	mux.HandleFunc("/history/workspace/{workspace}", s.WorkspaceHistoryHandler)
	return mux
}
