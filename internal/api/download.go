package api

import (
	"io"
	"net/http"
	"strings"
)

// forwardedHeaders are copied from the file server's response.
var forwardedHeaders = []string{"Content-Type", "Content-Length", "Last-Modified", "ETag"}

// handleDownload streams a Telegram file to the caller, so the model
// provider can fetch images without ever seeing the bot token.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	kind, name := r.PathValue("type"), r.PathValue("path")
	if !validSegment(kind) || !validSegment(name) {
		http.NotFound(w, r)
		return
	}

	resp, err := s.files.OpenFile(r.Context(), kind+"/"+name)
	if err != nil {
		s.logger.Warn("file download failed", "type", kind, "path", name, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("file stream interrupted", "path", name, "error", err)
	}
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
