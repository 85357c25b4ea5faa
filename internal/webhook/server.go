// Package webhook implements the inbound HTTP surface the game client calls
// when a turn passes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/service"
)

// maxBodyBytes caps inbound request bodies; turn notifications are tiny.
const maxBodyBytes = 1 << 16

// Ingester applies one turn notification. *service.IngestService satisfies
// it.
type Ingester interface {
	Ingest(ctx context.Context, endpointSlug, playerName, gameName string, turn int64) (*model.IngestResult, error)
}

// Server handles the game client's webhook callbacks. The caller is
// unauthenticated by design, so responses carry no diagnostic detail beyond
// the status code: 202 for anything applied (including duplicates and
// idempotent re-deliveries), 400 for malformed bodies, 404 for unknown
// slugs, 409 when the endpoint's game limit is hit.
type Server struct {
	ingester Ingester
	log      zerolog.Logger
}

// NewServer creates a new webhook Server instance.
func NewServer(ingester Ingester, logger zerolog.Logger) *Server {
	return &Server{
		ingester: ingester,
		log:      logger,
	}
}

// Handler returns the HTTP handler for the webhook routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{slug}", s.handleNotify)
	mux.HandleFunc("GET /{slug}", s.handleHelp)
	return mux
}

// notifyPayload is the legacy positional body the game client sends:
// value1 is the player name, value2 the game name, value3 the turn number.
type notifyPayload struct {
	Player string     `json:"value1"`
	Game   string     `json:"value2"`
	Turn   turnNumber `json:"value3"`
}

// turnNumber tolerates the turn arriving as a JSON number or a numeric
// string; some client versions quote it.
type turnNumber int64

func (t *turnNumber) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*t = turnNumber(n)
	return nil
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	var payload notifyPayload
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	player := strings.TrimSpace(payload.Player)
	game := strings.TrimSpace(payload.Game)

	result, err := s.ingester.Ingest(r.Context(), slug, player, game, int64(payload.Turn))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMalformedInput):
			writeStatus(w, http.StatusBadRequest)
		case errors.Is(err, service.ErrUnknownEndpoint):
			writeStatus(w, http.StatusNotFound)
		case errors.Is(err, service.ErrGameLimitReached):
			writeStatus(w, http.StatusConflict)
		default:
			// Store failures after exhausted retries and the like.
			// Nothing internal is revealed to the caller.
			s.log.Error().Err(err).Str("slug", slug).Msg("Ingestion failed")
			writeStatus(w, http.StatusInternalServerError)
		}
		return
	}

	s.log.Info().
		Str("slug", slug).
		Str("game", game).
		Str("player", player).
		Int64("turn", int64(payload.Turn)).
		Str("outcome", string(result.Outcome)).
		Msg("Webhook accepted")

	writeStatus(w, http.StatusAccepted)
}

const helpPage = `<!DOCTYPE html>
<html>
<head><title>Turn notification webhook</title></head>
<body>
<h1>Turn notification webhook</h1>
<p>This address receives turn notifications from the game client.
Paste it into the game's Play By Cloud webhook settings; nothing else
is required. Turn announcements appear in the Discord channel this
address was created for.</p>
</body>
</html>
`

func (s *Server) handleHelp(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(helpPage))
}

func writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(code)})
}
