package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type apiFixture struct {
	*engineFixture
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	ef := newEngineFixture(t)
	reg := prometheus.NewRegistry()
	newMetrics(reg)
	return &apiFixture{
		engineFixture: ef,
		router:        newAPIRouter(ef.engine, ef.history, reg, zaptest.NewLogger(t).Sugar()),
	}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBath(t *testing.T, rec *httptest.ResponseRecorder) bathView {
	var view bathView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestAPI_ListBaths(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/baths", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []bathView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 6)
	assert.Equal(t, 1, views[0].ID)
	assert.Equal(t, StateOff, views[0].State)
}

func TestAPI_CycleControl(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPut, "/baths/2/duration", `{"seconds":400}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 400, decodeBath(t, rec).RemainingSeconds)

	rec = f.do(http.MethodPut, "/baths/2/amperage", `{"count":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeBath(t, rec).AmperageCount)

	rec = f.do(http.MethodPut, "/baths/2/order", `{"orderNumber":[4,2]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OrderNumber{4, 2}, decodeBath(t, rec).OrderNumber)

	rec = f.do(http.MethodPost, "/baths/2/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBath(t, rec)
	assert.True(t, view.Active)
	assert.Equal(t, StateRunning, view.State)

	rec = f.do(http.MethodPost, "/baths/2/duration/adjust", `{"deltaSeconds":-300}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, decodeBath(t, rec).RemainingSeconds)

	rec = f.do(http.MethodPost, "/baths/2/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeBath(t, rec)
	assert.False(t, view.Active)
	assert.Equal(t, StatePaused, view.State)

	rec = f.do(http.MethodPost, "/baths/2/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/baths/2/state", `{"state":"off"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StateOff, decodeBath(t, rec).State)
}

func TestAPI_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown bath", http.MethodPost, "/baths/9/start", "", http.StatusNotFound},
		{"unknown bath read", http.MethodGet, "/baths/0", "", http.StatusNotFound},
		{"negative duration", http.MethodPut, "/baths/1/duration", `{"seconds":-1}`, http.StatusBadRequest},
		{"missing duration", http.MethodPut, "/baths/1/duration", `{}`, http.StatusBadRequest},
		{"bad json", http.MethodPut, "/baths/1/amperage", `{"count":`, http.StatusBadRequest},
		{"negative count", http.MethodPut, "/baths/1/amperage", `{"count":-2}`, http.StatusBadRequest},
		{"unknown state", http.MethodPut, "/baths/1/state", `{"state":"boiling"}`, http.StatusBadRequest},
		{"order digit", http.MethodPut, "/baths/1/order", `{"orderNumber":[1,10]}`, http.StatusBadRequest},
		{"foreign command", http.MethodPost, "/baths/1/commands/relay2on", "", http.StatusBadRequest},
		{"unknown command", http.MethodPost, "/baths/1/commands/reboot", "", http.StatusBadRequest},
		{"non numeric id", http.MethodGet, "/baths/one", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.commander.commands())
}

func TestAPI_Commands(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/baths/3/commands/relay3on", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"relay3on"}, f.commander.commands())

	rec = f.do(http.MethodPost, "/baths/3/commands/R3UP", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.bath(t, 3).AmperageCount)

	f.commander.sendErr = errors.Mark(errors.New("timeout"), ErrCommandFailed)
	rec = f.do(http.MethodPost, "/baths/3/commands/R3DOWN", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []string{"R3UP", "R3DOWN"}, f.commander.sent)
	assert.Equal(t, 1, f.bath(t, 3).AmperageCount)

	f.commander.sendErr = nil
	rec = f.do(http.MethodPost, "/baths/3/commands/R3DOWN", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, f.bath(t, 3).AmperageCount)
}

func TestAPI_StopThenStateRunning(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.engine.SetDuration(4, 60))
	require.NoError(t, f.engine.Start(4))

	rec := f.do(http.MethodPost, "/baths/4/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBath(t, rec)
	assert.False(t, view.Active)
	assert.Equal(t, StateOff, view.State)

	rec = f.do(http.MethodPut, "/baths/4/state", `{"state":"running"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeBath(t, rec)
	assert.True(t, view.Active)
	assert.Equal(t, StateRunning, view.State)
}

func TestAPI_History(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.history.AppendHistory(HistoryEntry{BathID: 1, OrderNumber: OrderNumber{2, 3}, CompletedAt: time.Now()}))

	rec := f.do(http.MethodGet, "/baths/1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, OrderNumber{2, 3}, entries[0].OrderNumber)

	rec = f.do(http.MethodGet, "/baths/2/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/baths/8/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Metrics(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rectifier_retry_queue_depth")
}
