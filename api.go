package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type historyReader interface {
	History(bathID int) ([]HistoryEntry, error)
}

// apiService exposes the engine to the operator UI.
type apiService struct {
	engine  *Engine
	history historyReader
	log     *zap.SugaredLogger
}

type bathView struct {
	ID                int         `json:"id"`
	RemainingSeconds  int         `json:"remainingSeconds"`
	State             BathState   `json:"state"`
	Active            bool        `json:"active"`
	AmperageCount     int         `json:"amperageCount"`
	ReductionSchedule []int       `json:"reductionSchedule"`
	OrderNumber       OrderNumber `json:"orderNumber"`
	AlarmArmed        bool        `json:"alarmArmed"`
}

func newAPIRouter(engine *Engine, history historyReader, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *mux.Router {
	api := &apiService{engine: engine, history: history, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/baths", api.listBaths).Methods(http.MethodGet)
	r.HandleFunc("/baths/{id:[0-9]+}", api.getBath).Methods(http.MethodGet)
	r.HandleFunc("/baths/{id:[0-9]+}/start", api.action(engine.Start)).Methods(http.MethodPost)
	r.HandleFunc("/baths/{id:[0-9]+}/stop", api.action(engine.Stop)).Methods(http.MethodPost)
	r.HandleFunc("/baths/{id:[0-9]+}/pause", api.action(engine.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/baths/{id:[0-9]+}/duration", api.setDuration).Methods(http.MethodPut)
	r.HandleFunc("/baths/{id:[0-9]+}/duration/adjust", api.adjustDuration).Methods(http.MethodPost)
	r.HandleFunc("/baths/{id:[0-9]+}/amperage", api.setAmperage).Methods(http.MethodPut)
	r.HandleFunc("/baths/{id:[0-9]+}/state", api.setState).Methods(http.MethodPut)
	r.HandleFunc("/baths/{id:[0-9]+}/order", api.setOrder).Methods(http.MethodPut)
	r.HandleFunc("/baths/{id:[0-9]+}/commands/{command}", api.command).Methods(http.MethodPost)
	r.HandleFunc("/baths/{id:[0-9]+}/history", api.getHistory).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (api *apiService) view(b BathProcess) bathView {
	return bathView{
		ID:                b.ID,
		RemainingSeconds:  b.RemainingSeconds,
		State:             b.State,
		Active:            api.engine.Active(b.ID),
		AmperageCount:     b.AmperageCount,
		ReductionSchedule: b.ReductionSchedule,
		OrderNumber:       b.OrderNumber,
		AlarmArmed:        b.AlarmArmed,
	}
}

func (api *apiService) listBaths(w http.ResponseWriter, r *http.Request) {
	baths := api.engine.Baths()
	views := make([]bathView, 0, len(baths))
	for _, b := range baths {
		views = append(views, api.view(b))
	}
	api.writeJSON(w, http.StatusOK, views)
}

func (api *apiService) getBath(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	api.respondBath(w, id, nil)
}

func (api *apiService) action(fn func(id int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(mux.Vars(r)["id"])
		api.respondBath(w, id, fn(id))
	}
}

func (api *apiService) setDuration(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var req struct {
		Seconds *int `json:"seconds"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.Seconds == nil {
		api.writeError(w, errors.Wrap(ErrInvalidInput, "seconds is required"))
		return
	}
	api.respondBath(w, id, api.engine.SetDuration(id, *req.Seconds))
}

func (api *apiService) adjustDuration(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var req struct {
		DeltaSeconds int `json:"deltaSeconds"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	api.respondBath(w, id, api.engine.AdjustDuration(id, req.DeltaSeconds))
}

func (api *apiService) setAmperage(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var req struct {
		Count *int `json:"count"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	if req.Count == nil {
		api.writeError(w, errors.Wrap(ErrInvalidInput, "count is required"))
		return
	}
	api.respondBath(w, id, api.engine.UpdateAmperageCount(id, *req.Count))
}

func (api *apiService) setState(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var req struct {
		State BathState `json:"state"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	api.respondBath(w, id, api.engine.SetState(id, req.State))
}

func (api *apiService) setOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	var req struct {
		OrderNumber OrderNumber `json:"orderNumber"`
	}
	if !api.decode(w, r, &req) {
		return
	}
	api.respondBath(w, id, api.engine.SetOrderNumber(id, req.OrderNumber))
}

// command sends one of the bath's own device commands. Relay commands are
// delivered with retries; amperage pulses are best effort, update the pending
// step-down count on success and report failure so the operator can react.
func (api *apiService) command(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	command := mux.Vars(r)["command"]

	var err error
	switch command {
	case relayOnCommand(id), relayOffCommand(id):
		err = api.engine.DispatchCritical(command, id)
	case upCommand(id), downCommand(id):
		err = api.engine.StepAmperage(r.Context(), id, command == upCommand(id))
	default:
		err = errors.Wrapf(ErrInvalidInput, "command %q does not belong to bath %d", command, id)
	}
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]string{"command": command})
}

func (api *apiService) getHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	if _, err := api.engine.Bath(id); err != nil {
		api.writeError(w, err)
		return
	}
	if api.history == nil {
		api.writeJSON(w, http.StatusOK, []HistoryEntry{})
		return
	}
	entries, err := api.history.History(id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, entries)
}

func (api *apiService) respondBath(w http.ResponseWriter, id int, err error) {
	if err != nil {
		api.writeError(w, err)
		return
	}
	b, err := api.engine.Bath(id)
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, api.view(b))
}

func (api *apiService) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.writeError(w, errors.Wrapf(ErrInvalidInput, "decode request: %v", err))
		return false
	}
	return true
}

func (api *apiService) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownBath):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrCommandFailed), errors.Is(err, ErrCommandRejected):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		api.log.Errorw("API: request failed", "error", err)
	}
	api.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (api *apiService) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.log.Warnw("API: encode response failed", "error", err)
	}
}
