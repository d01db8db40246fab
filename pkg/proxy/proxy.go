package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/remotecar/bluelink-proxy/internal/dispatcher"
	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/internal/metrics"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/session"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

const (
	// APIKeyHeader carries the shared secret on protected endpoints.
	APIKeyHeader = "X-API-Key"
	// RequestIDHeader is echoed on every response.
	RequestIDHeader = "X-Request-ID"

	maxRequestBodyBytes = 512
)

// Session is the subset of *session.Manager the proxy depends on.
type Session interface {
	Ready() bool
	HasCredentials() bool
	Snapshot() session.Snapshot
	Credentials() (account.Region, account.Brand)
	Wake(ctx context.Context) error
	Reinitialize(ctx context.Context) error
}

// Proxy exposes an HTTP API for sending vehicle commands.
type Proxy struct {
	session    Session
	dispatcher *dispatcher.Dispatcher
	apiKey     []byte
	router     *mux.Router
}

// New creates an http proxy. Actions run through d against the vehicle selected by sess; d should
// use sess as its vehicle source.
func New(sess Session, d *dispatcher.Dispatcher, apiKey string) (*Proxy, error) {
	if apiKey == "" {
		return nil, protocol.ErrMissingAPIKey
	}
	p := &Proxy{
		session:    sess,
		dispatcher: d,
		apiKey:     []byte(apiKey),
		router:     mux.NewRouter(),
	}
	p.routes()
	return p, nil
}

func (p *Proxy) routes() {
	r := p.router
	r.Use(requestID)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.HandleFunc("/", handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", p.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/check", p.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/wake", p.handleWake).Methods(http.MethodPost)
	r.Handle("/reinitialize", p.authenticate(http.HandlerFunc(p.handleReinitialize))).Methods(http.MethodPost)

	for _, action := range vehicle.Actions {
		method := http.MethodPost
		if !action.Mutating() {
			method = http.MethodGet
		}
		r.Handle("/"+string(action), p.authenticate(p.requireReady(p.handleAction(action)))).Methods(method)
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)
	p.router.ServeHTTP(w, req)
}

// Response is the JSON envelope of every API reply other than /health.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HealthResponse is returned by /health and /check.
type HealthResponse struct {
	OK             bool       `json:"ok"`
	Region         string     `json:"region"`
	Brand          string     `json:"brand"`
	Ready          bool       `json:"ready"`
	HasCredentials bool       `json:"hasCredentials"`
	HasAPIKey      bool       `json:"hasApiKey"`
	State          string     `json:"state"`
	VIN            string     `json:"vin,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastAttempt    *time.Time `json:"lastAttempt,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, reply interface{}) {
	jsonBytes, err := json.Marshal(reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"ok\":false,\"error\":\"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{Error: http.StatusText(code)}
	if err != nil {
		reply.Error = err.Error()
	}
	if code >= http.StatusInternalServerError {
		log.Error("Returning %s: %s", http.StatusText(code), reply.Error)
	} else {
		log.Warning("Returning %s: %s", http.StatusText(code), reply.Error)
	}
	writeJSON(w, code, &reply)
}

// statusCode maps an error onto the HTTP status returned to clients.
func statusCode(err error) int {
	if errors.Is(err, dispatcher.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch protocol.KindOf(err) {
	case protocol.KindAuth:
		return http.StatusUnauthorized
	case protocol.KindNotReady:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, req)
	})
}

// authenticate rejects requests that do not carry the configured API key.
func (p *Proxy) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := []byte(req.Header.Get(APIKeyHeader))
		if len(key) == 0 || subtle.ConstantTimeCompare(key, p.apiKey) != 1 {
			writeJSONError(w, http.StatusUnauthorized, protocol.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// requireReady short-circuits with 503 unless the session is ready.
func (p *Proxy) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !p.session.Ready() {
			writeJSONError(w, http.StatusServiceUnavailable, protocol.ErrNotReady)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}

func (p *Proxy) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := p.session.Snapshot()
	region, brand := p.session.Credentials()
	reply := HealthResponse{
		OK:             true,
		Region:         string(region),
		Brand:          string(brand),
		Ready:          snapshot.Ready(),
		HasCredentials: snapshot.HasCredentials,
		HasAPIKey:      len(p.apiKey) > 0,
		State:          string(snapshot.State),
		VIN:            snapshot.VIN,
		LastError:      snapshot.LastError,
	}
	if !snapshot.LastAttempt.IsZero() {
		reply.LastAttempt = &snapshot.LastAttempt
	}
	writeJSON(w, http.StatusOK, &reply)
}

func (p *Proxy) handleWake(w http.ResponseWriter, req *http.Request) {
	if err := p.session.Wake(req.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{OK: true})
}

func (p *Proxy) handleReinitialize(w http.ResponseWriter, req *http.Request) {
	if err := p.session.Reinitialize(req.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, &Response{OK: true})
}

func (p *Proxy) handleAction(action vehicle.Action) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fn, err := extractCommandAction(req, action)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}

		result, err := p.dispatcher.Run(req.Context(), action, fn)
		if err != nil {
			writeJSONError(w, statusCode(err), err)
			return
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		writeJSON(w, http.StatusOK, &Response{OK: true, Result: result})
	})
}
