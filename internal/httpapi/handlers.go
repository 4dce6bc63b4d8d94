package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"userdir.org/internal/obs"
	"userdir.org/internal/user"
)

const serviceName = "userdir"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CacheProber checks that the cache regions answer.
type CacheProber interface {
	Probe(ctx context.Context) error
}

// ReadyProbe checks the database and the cache. Nil members are skipped.
type ReadyProbe struct {
	DB      Pinger
	Cache   CacheProber
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return user.NoConnection(err)
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Probe(ctx); err != nil {
			return err
		}
	}
	return nil
}

// API is the operational HTTP surface of the service.
type API struct {
	mux        *http.ServeMux
	readiness  readinessChecker
	version    string
	rateBurst  int
	ratePerSec int
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

func New(rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler returns the mux wrapped with request id, logging, rate limiting
// and metrics.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = Logging(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, user.HTTPStatus(err), map[string]any{
			"status":   "not_ready",
			"category": string(user.CategoryOf(err)),
			"error":    err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
