package netgauge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/connectivity"
)

// Event names published on the /events stream.
const (
	EventConnectionEstablished = "CONNECTION_ESTABLISHED"
	EventTestStarted           = "TEST_STARTED"
	EventProgressUpdate        = "PROGRESS_UPDATE"
	EventSpeedUpdate           = "SPEED_UPDATE"
	EventTestComplete          = "TEST_COMPLETE"
	EventTestError             = "TEST_ERROR"
)

type sseEvent struct {
	Name string
	Data interface{}
}

// eventHub fans engine events out to every connected stream subscriber.
// Slow subscribers drop events rather than stall the measuring goroutine.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan sseEvent]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan sseEvent]struct{})}
}

func (h *eventHub) subscribe() chan sseEvent {
	ch := make(chan sseEvent, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan sseEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *eventHub) publish(ev sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// API exposes the engine over REST plus a server-sent event stream.
type API struct {
	Router  *mux.Router
	Engine  *Engine
	History *HistoryStore
	Logger  *zap.Logger

	hub *eventHub
}

// NewAPI wires an engine to a router. The API takes over the engine's
// progress and speed callbacks to feed the event stream.
func NewAPI(engine *Engine, history *HistoryStore, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		Router:  mux.NewRouter(),
		Engine:  engine,
		History: history,
		Logger:  logger,
		hub:     newEventHub(),
	}

	engine.SetProgressCallback(func(ev common.ProgressEvent) {
		api.hub.publish(sseEvent{Name: EventProgressUpdate, Data: ev})
	})
	engine.SetSpeedCallback(func(ev common.SpeedEvent) {
		api.hub.publish(sseEvent{Name: EventSpeedUpdate, Data: ev})
	})

	api.registerRoutes()
	return api
}

// registerRoutes sets up the API routes
func (api *API) registerRoutes() {
	// API version prefix
	v1 := api.Router.PathPrefix("/api/v1").Subrouter()

	// Test control endpoints
	v1.HandleFunc("/tests/run", api.handleRunTests).Methods("POST")
	v1.HandleFunc("/tests/stop", api.handleStopTests).Methods("POST")
	v1.HandleFunc("/tests/status", api.handleGetStatus).Methods("GET")
	v1.HandleFunc("/tests/latency/burst", api.handleLatencyBurst).Methods("POST")
	v1.HandleFunc("/tests/latency/consistency", api.handleLatencyConsistency).Methods("POST")
	v1.HandleFunc("/tests/latency/load", api.handleLatencyLoad).Methods("POST")

	// Result endpoints
	v1.HandleFunc("/results", api.handleGetResults).Methods("GET")
	v1.HandleFunc("/report", api.handleGetReport).Methods("GET")

	// Diagnostic endpoints
	v1.HandleFunc("/network-info", api.handleNetworkInfo).Methods("GET")
	v1.HandleFunc("/captive-portal", api.handleCaptivePortal).Methods("GET")
	v1.HandleFunc("/modules", api.handleGetModules).Methods("GET")

	// Configuration endpoints
	v1.HandleFunc("/config", api.handleGetConfig).Methods("GET")
	v1.HandleFunc("/config", api.handleUpdateConfig).Methods("PUT")

	// History endpoints
	v1.HandleFunc("/history", api.handleGetHistory).Methods("GET")
	v1.HandleFunc("/history", api.handleClearHistory).Methods("DELETE")
	v1.HandleFunc("/history/{id}", api.handleGetHistoryItem).Methods("GET")

	// Event stream
	v1.HandleFunc("/events", api.handleEvents).Methods("GET")
}

// AttachMonitor exposes the connectivity monitor state on the router.
// Must be called before Run.
func (api *API) AttachMonitor(monitor *connectivity.Monitor) {
	v1 := api.Router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/connectivity", func(w http.ResponseWriter, r *http.Request) {
		api.respondWithJSON(w, http.StatusOK, monitor.Status())
	}).Methods("GET")
}

// Run starts the API server
func (api *API) Run(addr string) error {
	api.Logger.Info("Starting API server", zap.String("address", addr))
	return http.ListenAndServe(addr, api.Router)
}

// Test Control API Handlers

// handleRunTests starts a complete analysis in the background
func (api *API) handleRunTests(w http.ResponseWriter, r *http.Request) {
	if api.Engine.GetStatus().Running {
		api.respondWithError(w, http.StatusConflict, "A test run is already active")
		return
	}

	go api.runAnalysis()

	api.respondWithJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": "Test run started successfully",
	})
}

// runAnalysis executes the run and publishes its lifecycle on the stream.
func (api *API) runAnalysis() {
	api.hub.publish(sseEvent{Name: EventTestStarted, Data: map[string]int64{
		"timestamp": common.NowMillis(),
	}})

	report, err := api.Engine.RunCompleteAnalysis(context.Background())
	if err != nil {
		api.Logger.Error("Test run failed", zap.Error(err))
		api.hub.publish(sseEvent{Name: EventTestError, Data: map[string]string{
			"error": err.Error(),
		}})
		return
	}

	api.hub.publish(sseEvent{Name: EventTestComplete, Data: report})
}

// handleStopTests aborts the active run
func (api *API) handleStopTests(w http.ResponseWriter, r *http.Request) {
	api.Engine.StopTests()
	api.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Stop requested",
	})
}

// handleGetStatus returns the engine state
func (api *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	api.respondWithJSON(w, http.StatusOK, api.Engine.GetStatus())
}

// handleLatencyBurst runs the burst latency sub-test synchronously
func (api *API) handleLatencyBurst(w http.ResponseWriter, r *http.Request) {
	results, err := api.Engine.RunLatencyBurst(r.Context())
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Burst test failed: %v", err))
		return
	}
	api.respondWithJSON(w, http.StatusOK, results)
}

// handleLatencyConsistency runs the consistency latency sub-test synchronously
func (api *API) handleLatencyConsistency(w http.ResponseWriter, r *http.Request) {
	results, err := api.Engine.RunLatencyConsistency(r.Context())
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Consistency test failed: %v", err))
		return
	}
	api.respondWithJSON(w, http.StatusOK, results)
}

// handleLatencyLoad runs the loaded latency sub-test synchronously
func (api *API) handleLatencyLoad(w http.ResponseWriter, r *http.Request) {
	results, err := api.Engine.RunLatencyLoad(r.Context())
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Load test failed: %v", err))
		return
	}
	api.respondWithJSON(w, http.StatusOK, results)
}

// Result API Handlers

// handleGetResults returns the per-module records of the current or most
// recent run, including partial records after a stop
func (api *API) handleGetResults(w http.ResponseWriter, r *http.Request) {
	api.respondWithJSON(w, http.StatusOK, api.Engine.GetResults())
}

// handleGetReport returns the most recent completed report
func (api *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report := api.Engine.LastReport()
	if report == nil {
		api.respondWithError(w, http.StatusNotFound, "No completed report available")
		return
	}
	api.respondWithJSON(w, http.StatusOK, report)
}

// Diagnostic API Handlers

// handleNetworkInfo returns the public address and provider details
func (api *API) handleNetworkInfo(w http.ResponseWriter, r *http.Request) {
	info, err := api.Engine.NetworkInfo(r.Context())
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to fetch network info: %v", err))
		return
	}
	api.respondWithJSON(w, http.StatusOK, info)
}

// handleCaptivePortal runs the captive-portal probe on its own
func (api *API) handleCaptivePortal(w http.ResponseWriter, r *http.Request) {
	result, err := api.Engine.CheckCaptivePortal(r.Context())
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Captive portal check failed: %v", err))
		return
	}
	api.respondWithJSON(w, http.StatusOK, result)
}

// handleGetModules lists the measurement modules
func (api *API) handleGetModules(w http.ResponseWriter, r *http.Request) {
	api.respondWithJSON(w, http.StatusOK, api.Engine.Modules())
}

// Configuration API Handlers

// handleGetConfig returns the current configuration
func (api *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	api.respondWithJSON(w, http.StatusOK, api.Engine.GetConfig())
}

// handleUpdateConfig overlays the request body onto the configuration
func (api *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(r.Body)
	if err != nil {
		api.respondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	merged, err := api.Engine.UpdateConfig(patch)
	if err != nil {
		api.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid configuration: %v", err))
		return
	}

	api.respondWithJSON(w, http.StatusOK, merged)
}

// History API Handlers

// handleGetHistory returns stored runs, newest first
func (api *API) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if api.History == nil {
		api.respondWithJSON(w, http.StatusOK, []HistoryEntry{})
		return
	}

	entries, err := api.History.List(limit)
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}
	api.respondWithJSON(w, http.StatusOK, entries)
}

// handleGetHistoryItem returns a single stored run
func (api *API) handleGetHistoryItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if api.History == nil {
		api.respondWithError(w, http.StatusNotFound, "History item not found")
		return
	}

	report, err := api.History.Load(id)
	if err != nil {
		api.respondWithError(w, http.StatusNotFound, "History item not found")
		return
	}
	api.respondWithJSON(w, http.StatusOK, report)
}

// handleClearHistory removes every stored run
func (api *API) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if api.History != nil {
		if err := api.History.Clear(); err != nil {
			api.respondWithError(w, http.StatusInternalServerError, "Failed to clear history")
			return
		}
	}
	api.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "History cleared",
	})
}

// Event Stream Handler

// handleEvents streams engine events as server-sent events until the
// client disconnects
func (api *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := api.hub.subscribe()
	defer api.hub.unsubscribe(ch)

	if err := writeSSE(w, sseEvent{Name: EventConnectionEstablished, Data: map[string]int64{
		"timestamp": common.NowMillis(),
	}}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, ev sseEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

// Helper methods

// respondWithError returns an error response
func (api *API) respondWithError(w http.ResponseWriter, code int, message string) {
	api.respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON returns a JSON response
func (api *API) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		api.Logger.Error("Failed to marshal JSON response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
