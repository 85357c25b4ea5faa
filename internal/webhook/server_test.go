package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/service"
)

// fakeIngester records the last call and returns a canned result or error.
type fakeIngester struct {
	slug, player, game string
	turn               int64
	result             *model.IngestResult
	err                error
}

func (f *fakeIngester) Ingest(_ context.Context, endpointSlug, playerName, gameName string, turn int64) (*model.IngestResult, error) {
	f.slug = endpointSlug
	f.player = playerName
	f.game = gameName
	f.turn = turn
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestServer(ing Ingester) *httptest.Server {
	s := NewServer(ing, zerolog.Nop())
	return httptest.NewServer(s.Handler())
}

func post(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleNotify_LegacyFieldMapping(t *testing.T) {
	ing := &fakeIngester{result: &model.IngestResult{Outcome: model.OutcomeNewTurn}}
	ts := newTestServer(ing)
	defer ts.Close()

	resp := post(t, ts, "/abc123", `{"value1":"Ghandi","value2":"Earth","value3":7}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "abc123", ing.slug)
	assert.Equal(t, "Ghandi", ing.player)
	assert.Equal(t, "Earth", ing.game)
	assert.Equal(t, int64(7), ing.turn)
}

func TestHandleNotify_QuotedTurnNumber(t *testing.T) {
	ing := &fakeIngester{result: &model.IngestResult{Outcome: model.OutcomeNewTurn}}
	ts := newTestServer(ing)
	defer ts.Close()

	resp := post(t, ts, "/abc123", `{"value1":"Ghandi","value2":"Earth","value3":"12"}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(12), ing.turn)
}

func TestHandleNotify_IdempotentAndDuplicateStillAccepted(t *testing.T) {
	// Duplicate and already-notified outcomes stay 202: the caller is
	// unauthenticated and learns nothing about tracked state.
	for _, outcome := range []model.IngestOutcome{model.OutcomeDuplicate, model.OutcomeAlreadyNotified} {
		ing := &fakeIngester{result: &model.IngestResult{Outcome: outcome}}
		ts := newTestServer(ing)

		resp := post(t, ts, "/abc123", `{"value1":"P","value2":"G","value3":1}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, string(outcome))
		ts.Close()
	}
}

func TestHandleNotify_MalformedBody(t *testing.T) {
	ing := &fakeIngester{}
	ts := newTestServer(ing)
	defer ts.Close()

	for _, body := range []string{
		``,
		`{`,
		`{"value1":"P","value2":"G","value3":"not-a-number"}`,
	} {
		resp := post(t, ts, "/abc123", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestHandleNotify_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{service.ErrMalformedInput, http.StatusBadRequest},
		{service.ErrUnknownEndpoint, http.StatusNotFound},
		{service.ErrGameLimitReached, http.StatusConflict},
		{service.ErrIngestContended, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		ing := &fakeIngester{err: tc.err}
		ts := newTestServer(ing)

		resp := post(t, ts, "/abc123", `{"value1":"P","value2":"G","value3":1}`)
		assert.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
		ts.Close()
	}
}

func TestHandleHelp(t *testing.T) {
	ing := &fakeIngester{}
	ts := newTestServer(ing)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/abc123")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
