package chatrelay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handler returns the server's HTTP surface: the websocket accept point and
// a small status endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.transport.ServeWS)
	r.Get("/status", s.handleStatus)
	return r
}

type statusResponse struct {
	Users             int `json:"users"`
	Chats             int `json:"chats"`
	Connections       int `json:"connections"`
	PendingHandshakes int `json:"pending_handshakes"`
	PendingChats      int `json:"pending_chats"`
}

// handleStatus reports registry sizes. It serves the snapshot the loop
// publishes each iteration and never reads the registries directly, so the
// HTTP goroutine stays off the loop's state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusMu.Lock()
	resp := s.status
	s.statusMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("[Server] writing status response failed")
	}
}
