package server

import (
	"net/http"

	jsoncodecpkg "github.com/drblury/messagebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
)

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodecpkg.Encode(w, s.Status()); err != nil {
		s.logger.Error("Failed to write status", err, loggingpkg.LogFields{"remote_addr": r.RemoteAddr})
	}
}
