package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/telephony"
)

// Page sizes for /calls: the default when no limit is given, and the cap
// applied to larger requests.
const (
	defaultRecentCalls = 50
	maxRecentCalls     = 500
)

// routes builds the server mux.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("POST /incoming-call", a.handleIncomingCall)
	mux.HandleFunc("POST /voice-webhook", a.handleIncomingCall)
	mux.HandleFunc("GET "+mediaStreamPath, a.handleMediaStream)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /calls", a.handleCalls)
	a.health.Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	return mux
}

type indexDoc struct {
	Service   string            `json:"service"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}

func (a *App) handleIndex(w http.ResponseWriter, _ *http.Request) {
	doc := indexDoc{
		Service: "voxrelay",
		Status:  "running",
		Endpoints: map[string]string{
			"POST /incoming-call": "Twilio voice webhook, answers with TwiML",
			"POST /voice-webhook": "alias of /incoming-call",
			"GET /media-stream":   "Twilio Media Streams WebSocket",
			"GET /health":         "service health and memory",
			"GET /healthz":        "liveness probe",
			"GET /readyz":         "readiness probe",
			"GET /status":         "active calls",
			"GET /calls":          "recently finished calls",
		},
	}
	if a.telemetry != nil {
		doc.Endpoints["GET /metrics"] = "Prometheus metrics"
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleIncomingCall answers Twilio's voice webhook with TwiML that greets
// the caller and connects the call to the media stream.
func (a *App) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg.Load()
	log := observe.Logger(r.Context())

	if err := r.ParseForm(); err != nil {
		log.Warn("webhook form unreadable", "err", err)
		writeTwiML(w, http.StatusOK, errorTwiML(cfg.Twilio))
		return
	}
	if cfg.Twilio.ValidateSignature {
		if err := verifySignature(cfg.Twilio.AuthToken, webhookURL(cfg.Server.PublicURL, r), r); err != nil {
			log.Warn("webhook rejected", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	callSID := r.PostForm.Get("CallSid")
	log.Info("incoming call",
		"call_sid", callSID,
		"from", r.PostForm.Get("From"),
		"to", r.PostForm.Get("To"),
	)

	body, err := connectTwiML(cfg.Twilio, streamURL(cfg.Server.PublicURL, r), callSID)
	if err != nil {
		log.Error("building twiml failed", "call_sid", callSID, "err", err)
		writeTwiML(w, http.StatusOK, errorTwiML(cfg.Twilio))
		return
	}
	writeTwiML(w, http.StatusOK, body)
}

// handleMediaStream upgrades to the Twilio media WebSocket and relays the
// call until it ends.
func (a *App) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := telephony.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("media stream upgrade failed", "err", err)
		return
	}
	err = a.relay.Serve(r.Context(), conn)
	if err != nil && !errors.Is(err, relay.ErrShuttingDown) {
		observe.Logger(r.Context()).Warn("call ended with error", "err", err)
	}
}

type statusDoc struct {
	ActiveSessions int          `json:"activeSessions"`
	Sessions       []relay.Info `json:"sessions"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := a.relay.Registry().Snapshot()
	if snap == nil {
		snap = []relay.Info{}
	}
	writeJSON(w, http.StatusOK, statusDoc{ActiveSessions: len(snap), Sessions: snap})
}

func (a *App) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentCalls
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentCalls)
	}
	calls, err := a.calls.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("listing calls failed", "err", err)
		http.Error(w, "call log unavailable", http.StatusServiceUnavailable)
		return
	}
	if calls == nil {
		calls = []relay.Summary{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func writeTwiML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
