// Package server exposes the wallet service over HTTP. Routes live under a
// configurable base path; every response is JSON. Client errors surface as
// {code, message} with 400 (401 for failed auth), anything else is logged
// and mapped to a plain 500.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/dan/bws/service"
	"github.com/dan/bws/wallet"
)

// Options configures the HTTP server. Zero fields take their default.
type Options struct {
	ListenAddr string
	BasePath   string

	// MaxBodyBytes caps request bodies. Signed payloads are small; the
	// default leaves ample room for proposals with many inputs.
	MaxBodyBytes int64

	// Version is reported by GET /v1/version.
	Version string

	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ListenAddr == "" {
		o.ListenAddr = ":3232"
	}
	if o.BasePath == "" {
		o.BasePath = "/bws/api"
	}
	o.BasePath = strings.TrimSuffix(o.BasePath, "/")
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = 100 << 10
	}
	if o.Version == "" {
		o.Version = "bws-1.0.0"
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	return o
}

// Server routes HTTP requests into the wallet service.
type Server struct {
	svc    *service.Service
	log    hclog.Logger
	opts   Options
	router *mux.Router

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// New wires the router. reg collects the request metrics and backs
// GET /metrics; nil means a private registry.
func New(svc *service.Service, logger hclog.Logger, opts Options, reg *prometheus.Registry) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	s := &Server{
		svc:  svc,
		log:  logger,
		opts: opts.withDefaults(),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bws", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"method", "route", "code"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bws", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	s.router = s.routes(reg)
	return s
}

func (s *Server) routes(reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix(s.opts.BasePath).Subrouter()

	// Creation and joining precede credentials; fee levels, version and
	// metrics are public reads.
	api.HandleFunc("/v1/wallets", s.handleCreateWallet).Methods(http.MethodPost)
	api.HandleFunc("/v1/wallets/{id}/copayers", s.handleJoinWallet).Methods(http.MethodPost)
	api.HandleFunc("/v1/copayers", s.handleAddAccess).Methods(http.MethodPut)
	api.HandleFunc("/v1/feelevels", s.handleGetFeeLevels).Methods(http.MethodGet)
	api.HandleFunc("/v1/version", s.handleVersion).Methods(http.MethodGet)

	api.HandleFunc("/v1/wallets", s.authed(s.handleGetStatus)).Methods(http.MethodGet)
	api.HandleFunc("/v1/preferences", s.authed(s.handleGetPreferences)).Methods(http.MethodGet)
	api.HandleFunc("/v1/preferences", s.authed(s.handleSavePreferences)).Methods(http.MethodPut)

	api.HandleFunc("/v1/txproposals", s.authed(s.handleGetPendingTxProposals)).Methods(http.MethodGet)
	api.HandleFunc("/v1/txproposals", s.authed(s.handleCreateTx)).Methods(http.MethodPost)
	api.HandleFunc("/v1/txproposals/{id}", s.authed(s.handleGetTx)).Methods(http.MethodGet)
	api.HandleFunc("/v1/txproposals/{id}", s.authed(s.handleRemoveTx)).Methods(http.MethodDelete)
	api.HandleFunc("/v1/txproposals/{id}/publish", s.authed(s.handlePublishTx)).Methods(http.MethodPost)
	api.HandleFunc("/v1/txproposals/{id}/signatures", s.authed(s.handleSignTx)).Methods(http.MethodPost)
	api.HandleFunc("/v1/txproposals/{id}/broadcast", s.authed(s.handleBroadcastTx)).Methods(http.MethodPost)
	api.HandleFunc("/v1/txproposals/{id}/rejections", s.authed(s.handleRejectTx)).Methods(http.MethodPost)

	api.HandleFunc("/v1/addresses", s.authed(s.handleListAddresses)).Methods(http.MethodGet)
	api.HandleFunc("/v1/addresses", s.authed(s.handleCreateAddress)).Methods(http.MethodPost)
	api.HandleFunc("/v1/addresses/scan", s.authed(s.handleStartScan)).Methods(http.MethodPost)
	api.HandleFunc("/v1/balance", s.authed(s.handleGetBalance)).Methods(http.MethodGet)
	api.HandleFunc("/v1/utxos", s.authed(s.handleGetUtxos)).Methods(http.MethodGet)
	api.HandleFunc("/v1/txhistory", s.authed(s.handleGetTxHistory)).Methods(http.MethodGet)
	api.HandleFunc("/v1/notifications", s.authed(s.handleGetNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/v1/stats", s.authed(s.handleGetStats)).Methods(http.MethodGet)

	return r
}

// Handler returns the full middleware stack: CORS, gzip, body capture,
// router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = s.withBody(h)
	h = gziphandler.GzipHandler(h)
	h = cors.AllowAll().Handler(h)
	return h
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", "addr", s.opts.ListenAddr, "basePath", s.opts.BasePath)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

type contextKey struct{ name string }

var bodyKey = &contextKey{"body"}

// withBody reads and caps the request body once. Auth verifies the
// signature over the raw bytes, so the body must be captured before any
// decoding touches it.
func (s *Server) withBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorBody{Code: "BAD_REQUEST", Message: "Request body too large"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey, body)))
	})
}

func bodyFrom(r *http.Request) []byte {
	body, _ := r.Context().Value(bodyKey).([]byte)
	return body
}

type sessionHandler func(http.ResponseWriter, *http.Request, *service.Session)

// authed verifies x-identity/x-signature over method|url|body, where url is
// the path below the base path with its query string.
func (s *Server) authed(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.svc.Authenticate(r.Context(), service.Credentials{
			CopayerID:     r.Header.Get("x-identity"),
			Signature:     r.Header.Get("x-signature"),
			Method:        r.Method,
			URL:           s.signingURL(r),
			Body:          string(bodyFrom(r)),
			ClientVersion: r.Header.Get("x-client-version"),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, session)
	}
}

func (s *Server) signingURL(r *http.Request) string {
	url := strings.TrimPrefix(r.URL.Path, s.opts.BasePath)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.durations.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if cerr := wallet.AsClientError(err); cerr != nil {
		status := http.StatusBadRequest
		if errors.Is(err, wallet.ErrNotAuthorized) {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, errorBody{Code: cerr.Code, Message: cerr.Message})
		return
	}
	s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError,
		errorBody{Code: "INTERNAL_ERROR", Message: "Internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody unmarshals the captured request body. An empty body decodes as
// an empty object.
func decodeBody(r *http.Request, v interface{}) error {
	body := bodyFrom(r)
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return wallet.NewClientError("Invalid request body")
	}
	return nil
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || v == "true"
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, wallet.NewClientError("Invalid " + name + " value")
	}
	return n, nil
}
