package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/statemesh-go/internal/server/httpserver/handler"
)

// RouterConfig holds configuration for the admin router.
type RouterConfig struct {
	// Handler configures the state and health endpoints.
	Handler handler.Config

	// Metrics serves /metrics. Nil leaves the route unmounted.
	Metrics http.Handler

	Logger *slog.Logger

	// AllowList is the IP/CIDR allowlist (empty = no restriction).
	AllowList []string

	// RateLimit is the per-IP request rate in requests/second (0 = off).
	RateLimit float64
	RateBurst int
}

// NewRouter creates the admin router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hcfg := cfg.Handler
	if hcfg.Logger == nil {
		hcfg.Logger = logger
	}
	h := handler.New(hcfg)

	mux := http.NewServeMux()
	mux.Handle("/", h)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Order: RequestID -> Recover -> NetworkACL -> RateLimit -> AccessLog -> mux
	return Chain(mux,
		RequestID(),
		Recover(logger),
		NetworkACL(cfg.AllowList, logger),
		RateLimit(cfg.RateLimit, cfg.RateBurst),
		AccessLog(logger),
	)
}
