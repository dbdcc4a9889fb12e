package dashboardd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendingdash/dashboard"
	"lendingdash/observability"
	"lendingdash/txflow"
)

// ServerConfig wires the API to the view-models.
type ServerConfig struct {
	Board         *dashboard.Board
	Tabs          []*dashboard.WithdrawTab
	Notifications *txflow.Feed
	Loading       *txflow.Loading
	BearerToken   string
	// MutationsPerMinute and MutationBurst bound state-changing requests
	// per client.
	MutationsPerMinute float64
	MutationBurst      int
	Logger             *slog.Logger
	Metrics            *observability.APIMetrics
}

// Server exposes the dashboard view-models over JSON HTTP.
type Server struct {
	board   *dashboard.Board
	tabs    map[dashboard.Asset]*dashboard.WithdrawTab
	feed    *txflow.Feed
	loading *txflow.Loading
	token   string
	limiter *mutationLimiter
	logger  *slog.Logger
	metrics *observability.APIMetrics
	handler http.Handler

	// ctx outlives individual requests; user actions run under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs the API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Board == nil {
		return nil, fmt.Errorf("dashboardd: board required")
	}
	if cfg.Notifications == nil {
		return nil, fmt.Errorf("dashboardd: notification feed required")
	}
	if cfg.Loading == nil {
		return nil, fmt.Errorf("dashboardd: loading indicator required")
	}
	s := &Server{
		board:   cfg.Board,
		tabs:    make(map[dashboard.Asset]*dashboard.WithdrawTab, len(cfg.Tabs)),
		feed:    cfg.Notifications,
		loading: cfg.Loading,
		token:   strings.TrimSpace(cfg.BearerToken),
		limiter: newMutationLimiter(cfg.MutationsPerMinute, cfg.MutationBurst),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observability.API()
	}
	for _, tab := range cfg.Tabs {
		s.tabs[tab.Asset()] = tab
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = otelhttp.NewHandler(s.routes(), "dashboardd")
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.observe)
		v1.Get("/liquidations", s.handleLiquidations)
		v1.Get("/withdraw/{asset}", s.handleWithdrawView)
		v1.Get("/notifications", s.handleNotifications)
		v1.Get("/loading", s.handleLoading)

		v1.Group(func(m chi.Router) {
			m.Use(s.authenticate, s.throttle)
			m.Post("/liquidations/{account}/liquidate", s.handleLiquidate)
			m.Put("/withdraw/{asset}/amount", s.handleWithdrawAmount)
			m.Post("/withdraw/{asset}/more-info", s.handleWithdrawMoreInfo)
			m.Post("/withdraw/{asset}", s.handleWithdrawSubmit)
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops polling for actions started through the API and waits for
// them to return. Submitted transactions are unaffected.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.metrics.Observe(routePattern(r), r.Method, recorder.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		supplied, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(supplied)), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientID(r)) {
			s.metrics.RecordThrottle(routePattern(r))
			writeError(w, http.StatusTooManyRequests, errors.New(http.StatusText(http.StatusTooManyRequests)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": s.board.Views()})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "account")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account %q", raw))
		return
	}
	row, ok := s.board.Row(common.HexToAddress(raw))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no liquidation for %s", raw))
		return
	}
	done, err := row.Liquidate(s.ctx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.background(func(context.Context) { <-done })
	writeJSON(w, http.StatusAccepted, row.View())
}

func (s *Server) tab(w http.ResponseWriter, r *http.Request) (*dashboard.WithdrawTab, bool) {
	asset, err := dashboard.ParseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	tab, ok := s.tabs[asset]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("withdraw of %s not enabled", asset))
		return nil, false
	}
	return tab, true
}

func (s *Server) handleWithdrawView(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tab(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tab.View())
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type amountResponse struct {
	Accepted bool                   `json:"accepted"`
	View     dashboard.WithdrawView `json:"view"`
}

func (s *Server) handleWithdrawAmount(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tab(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request"))
		return
	}
	accepted := tab.SetAmount(req.Amount)
	if accepted {
		if err := tab.Refresh(r.Context()); err != nil {
			s.logger.Debug("withdraw not prepared", "asset", tab.Asset(), "error", err)
		}
	}
	writeJSON(w, http.StatusOK, amountResponse{Accepted: accepted, View: tab.View()})
}

func (s *Server) handleWithdrawMoreInfo(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tab(w, r)
	if !ok {
		return
	}
	tab.ToggleMoreInfo()
	writeJSON(w, http.StatusOK, tab.View())
}

func (s *Server) handleWithdrawSubmit(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tab(w, r)
	if !ok {
		return
	}
	if !tab.CanSubmit() {
		view := tab.View()
		err := txflow.ErrNotPrepared
		if view.InFlight {
			err = txflow.ErrInFlight
		}
		writeError(w, statusFor(err), err)
		return
	}
	s.background(func(ctx context.Context) {
		if _, err := tab.Submit(ctx); err != nil {
			s.logger.Info("withdraw ended", "asset", tab.Asset(), "error", err)
		}
	})
	writeJSON(w, http.StatusAccepted, tab.View())
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after %q", raw))
			return
		}
		after = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.feed.Since(after)})
}

func (s *Server) handleLoading(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.loading.Active(),
		"depth":  s.loading.Depth(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, txflow.ErrInFlight), errors.Is(err, txflow.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, txflow.ErrNotPrepared):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
