// Package server exposes shopmesh turns over HTTP using a chi router.
//
//	POST   /v1/turns        process a turn (body: core.TurnInput)
//	DELETE /v1/turns/{id}   cancel a queued or running turn
//	POST   /v1/sync         run one synchronizer pass
//	GET    /healthz         liveness
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/engine"
	"github.com/hupe1980/shopmesh/logging"
	"github.com/hupe1980/shopmesh/synchronizer"
)

// TurnProcessor is the part of the façade the API drives.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error)
	CancelTurn(turnID string) error
}

// Syncer runs a synchronizer pass on demand.
type Syncer interface {
	RunOnce(ctx context.Context) (synchronizer.Report, error)
}

// Options configures the HTTP handler.
type Options struct {
	// Timeout bounds a request; zero disables it.
	Timeout time.Duration
	// Syncer enables POST /v1/sync when set.
	Syncer Syncer
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	Logger       logging.Logger
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// New returns the routed handler.
func New(p TurnProcessor, optFns ...func(o *Options)) http.Handler {
	opts := Options{
		Timeout:      10 * time.Second,
		MaxBodyBytes: 1 << 20,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.Ensure(opts.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(opts.Logger), middleware.Recoverer)
	if opts.Timeout > 0 {
		r.Use(middleware.Timeout(opts.Timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", func(w http.ResponseWriter, req *http.Request) {
			var in core.TurnInput
			dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, opts.MaxBodyBytes))
			if err := dec.Decode(&in); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "malformed_body"})
				return
			}
			res, err := p.ProcessTurn(req.Context(), in)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Delete("/turns/{id}", func(w http.ResponseWriter, req *http.Request) {
			if err := p.CancelTurn(chi.URLParam(req, "id")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		if opts.Syncer != nil {
			r.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
				report, err := opts.Syncer.RunOnce(req.Context())
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, report)
			})
		}
	})

	return r
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, core.ErrInvalidTurn):
		status, code = http.StatusBadRequest, "invalid_turn"
	case errors.Is(err, core.ErrSessionOwner):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, core.ErrTurnNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrTurnCancelled):
		status, code = http.StatusConflict, "cancelled"
	case errors.Is(err, engine.ErrClosed):
		status, code = http.StatusServiceUnavailable, "closed"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
