// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"reelscribe/internal/gate"
	"reelscribe/internal/health"
	"reelscribe/internal/kv"
	"reelscribe/internal/log"
	"reelscribe/internal/queue"
	"reelscribe/internal/session"
	"reelscribe/internal/store"
	"reelscribe/internal/worker"
)

// Enqueuer is the slice of the job queue the ingress needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload) (bool, error)
}

// Config carries the HTTP-surface tunables.
type Config struct {
	AdminAPIKey     string
	TrustedProxies  string // CSV of CIDRs
	IPRatePerMinute int
}

// Server owns the router and its handler dependencies.
type Server struct {
	store       *store.Store
	kv          *kv.Store
	gate        *gate.Chain
	sessions    *session.Manager
	queue       Enqueuer
	messenger   worker.Messenger
	health      *health.Manager
	adminAPIKey string
	proxyNets   []*net.IPNet
	ipRate      int
	logger      zerolog.Logger
}

func NewServer(st *store.Store, kvs *kv.Store, g *gate.Chain, sm *session.Manager,
	q Enqueuer, msg worker.Messenger, hm *health.Manager, cfg Config) *Server {
	s := &Server{
		store:       st,
		kv:          kvs,
		gate:        g,
		sessions:    sm,
		queue:       q,
		messenger:   msg,
		health:      hm,
		adminAPIKey: cfg.AdminAPIKey,
		ipRate:      cfg.IPRatePerMinute,
		logger:      log.WithComponent("api"),
	}
	for _, cidr := range strings.Split(cfg.TrustedProxies, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			s.proxyNets = append(s.proxyNets, network)
		} else {
			s.logger.Warn().Str("cidr", cidr).Msg("ignoring invalid trusted proxy CIDR")
		}
	}
	return s
}

// Router assembles the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	if s.ipRate > 0 {
		r.Use(httprate.Limit(
			s.ipRate, time.Minute,
			httprate.WithKeyFuncs(s.keyByClientIP),
		))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/metrics/json", s.handleMetricsJSON)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/script/generate", s.handleGenerate)
		r.Post("/feedback", s.handleFeedback)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminKey)
			r.Get("/dataset/export", s.handleDatasetExport)
			r.Get("/feedback/stats", s.handleFeedbackStats)
			r.Post("/users/block", s.handleBlockUser)
		})
	})

	r.Get("/s/{publicId}", s.handlePublicView)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	c := s.health.Liveness(r.Context())
	status := http.StatusOK
	if c.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, c)
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Detailed(r.Context()))
}

// handleMetricsJSON is the debug view of the metric registry: same data as
// /metrics, shaped for quick inspection rather than scraping.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		http.Error(w, "metrics gather failed", http.StatusInternalServerError)
		return
	}
	out := make(map[string]any, len(families))
	for _, mf := range families {
		samples := make([]map[string]any, 0, len(mf.GetMetric()))
		for _, m := range mf.GetMetric() {
			sample := map[string]any{}
			if len(m.GetLabel()) > 0 {
				labels := make(map[string]string, len(m.GetLabel()))
				for _, lp := range m.GetLabel() {
					labels[lp.GetName()] = lp.GetValue()
				}
				sample["labels"] = labels
			}
			switch {
			case m.GetCounter() != nil:
				sample["value"] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sample["value"] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sample["count"] = m.GetHistogram().GetSampleCount()
				sample["sum"] = m.GetHistogram().GetSampleSum()
			}
			samples = append(samples, sample)
		}
		out[mf.GetName()] = samples
	}
	writeJSON(w, http.StatusOK, out)
}

// requestID tags every request with an id carried through logs and the
// response header.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// keyByClientIP trusts X-Forwarded-For only from configured proxy ranges,
// so clients cannot spoof their way around the per-IP limit.
func (s *Server) keyByClientIP(r *http.Request) (string, error) {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return peer, nil
	}
	trusted := false
	for _, network := range s.proxyNets {
		if network.Contains(ip) {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer, nil
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peer, nil
	}
	parts := strings.Split(fwd, ",")
	return strings.TrimSpace(parts[0]), nil
}
