package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nugget/yaebot/internal/config"
	"github.com/nugget/yaebot/internal/relay"
	"github.com/nugget/yaebot/internal/telegram"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxUpdateBytes caps a webhook body; real updates are a few KB.
const maxUpdateBytes = 1 << 20

// compareTokens is a timing-safe comparison. Hashing first keeps the
// comparison independent of the inputs' lengths.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// handleWebhook answers 401 to callers without the secret and 200 to
// everything else, including updates that failed to process, so that
// Telegram never redelivers a poison update.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.SecretToken != "" && !compareTokens(r.Header.Get(SecretTokenHeader), s.opts.SecretToken) {
		s.logger.Warn("webhook secret mismatch", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		s.logger.Warn("failed to read update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	s.logger.Log(r.Context(), config.LevelTrace, "update received", "body", string(body))

	var u telegram.Update
	if err := json.Unmarshal(body, &u); err != nil {
		s.logger.Warn("failed to decode update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HandleTimeout)
	defer cancel()

	if err := s.updates.HandleUpdate(ctx, &u); err != nil {
		s.logUpdateError(u.UpdateID, err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) logUpdateError(updateID int64, err error) {
	var malformed *relay.MalformedTriggerError
	switch {
	case errors.As(err, &malformed):
		s.logger.Warn("dropped malformed update", "update_id", updateID, "error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("update handling interrupted", "update_id", updateID, "error", err)
	case relay.IsSilentFailure(err):
		s.logger.Warn("no reply sent", "update_id", updateID, "error", err)
	default:
		s.logger.Error("update handling failed", "update_id", updateID, "error", err)
	}
}
