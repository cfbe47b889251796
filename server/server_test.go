package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/synchronizer"
)

type stubProcessor struct {
	err       error
	cancelled []string
}

func (s *stubProcessor) ProcessTurn(_ context.Context, in core.TurnInput) (*core.TurnResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &core.TurnResult{TurnID: "t1", SessionID: in.SessionID, ResponseText: "echo: " + in.Text}, nil
}

func (s *stubProcessor) CancelTurn(turnID string) error {
	if turnID == "missing" {
		return fmt.Errorf("%w: %s", core.ErrTurnNotFound, turnID)
	}
	s.cancelled = append(s.cancelled, turnID)
	return nil
}

type stubSyncer struct{}

func (stubSyncer) RunOnce(context.Context) (synchronizer.Report, error) {
	return synchronizer.Report{Proposed: 3, Applied: 2}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostTurn(t *testing.T) {
	h := New(&stubProcessor{})

	rec := do(t, h, http.MethodPost, "/v1/turns", `{"user_id":"u1","session_id":"s1","text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res core.TurnResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "echo: hello", res.ResponseText)
}

func TestPostTurn_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{name: "malformed", body: `{`, status: http.StatusBadRequest, code: "malformed_body"},
		{name: "invalid", err: core.ErrInvalidTurn, status: http.StatusBadRequest, code: "invalid_turn"},
		{name: "owner", err: core.ErrSessionOwner, status: http.StatusForbidden, code: "forbidden"},
		{name: "cancelled", err: fmt.Errorf("t1: %w", core.ErrTurnCancelled), status: http.StatusConflict, code: "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == "" {
				body = `{"user_id":"u1","session_id":"s1","text":"x"}`
			}
			rec := do(t, New(&stubProcessor{err: tt.err}), http.MethodPost, "/v1/turns", body)
			assert.Equal(t, tt.status, rec.Code)

			var eb errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&eb))
			assert.Equal(t, tt.code, eb.Code)
		})
	}
}

func TestCancelTurn(t *testing.T) {
	p := &stubProcessor{}
	h := New(p)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodDelete, "/v1/turns/t9", "").Code)
	assert.Equal(t, []string{"t9"}, p.cancelled)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/turns/missing", "").Code)
}

func TestSync(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, do(t, New(&stubProcessor{}), http.MethodPost, "/v1/sync", "").Code)

	h := New(&stubProcessor{}, func(o *Options) { o.Syncer = stubSyncer{} })
	rec := do(t, h, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report synchronizer.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 2, report.Applied)
}

func TestHealthz(t *testing.T) {
	assert.Equal(t, http.StatusOK, do(t, New(&stubProcessor{}), http.MethodGet, "/healthz", "").Code)
}
