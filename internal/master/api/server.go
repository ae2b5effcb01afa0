// Package api 把当前领导者的协调者网关暴露为 HTTP 接口
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"regent/internal/master/coordinator"
	"regent/internal/master/runner"
	"regent/pkg/artifact"
	"regent/pkg/model"
	"regent/pkg/store"
)

const (
	DefaultResultTimeout    = 30 * time.Second
	MaxResultTimeout        = 5 * time.Minute
	DefaultMaxArtifactBytes = 64 << 20
	DefaultLeaderWait       = 2 * time.Second
)

// errResultPending 等待超时但作业还没结束
var errResultPending = errors.New("api: job result not ready")

// Leadership 由 runner.Runner 实现
type Leadership interface {
	GetCurrentGateway(ctx context.Context) (coordinator.Gateway, error)
	State() runner.State
}

type Options struct {
	Leadership Leadership
	Artifacts  artifact.Store
	// Cluster 为空时不提供日志接口
	Cluster store.ClusterStore
	Logger  *zap.Logger

	// SubmitRate 每秒允许的提交数，<= 0 表示不限流
	SubmitRate       float64
	SubmitBurst      int
	MaxArtifactBytes int64
	// LeaderWait 非领导者或协调者启动中时最多等待这么久，之后返回 503
	LeaderWait time.Duration
}

type Server struct {
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
	router  chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Leadership == nil {
		return nil, errors.New("api: leadership is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("api: artifact store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LeaderWait <= 0 {
		opts.LeaderWait = DefaultLeaderWait
	}
	if opts.MaxArtifactBytes <= 0 {
		opts.MaxArtifactBytes = DefaultMaxArtifactBytes
	}

	s := &Server{opts: opts, logger: opts.Logger.Named("api")}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = int(opts.SubmitRate)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/artifacts/{jobID}", s.uploadArtifact)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.submitJob)
			r.Delete("/{jobID}", s.cancelJob)
			r.Get("/{jobID}/result", s.jobResult)
			if s.opts.Cluster != nil {
				r.Get("/{jobID}/logs", s.jobLogs)
			}
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// fail 写出错误响应，5xx 额外记录日志
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

// gateway 获取当前网关，等待超时视为不是领导者
func (s *Server) gateway(r *http.Request) (coordinator.Gateway, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LeaderWait)
	defer cancel()
	gw, err := s.opts.Leadership.GetCurrentGateway(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		return nil, runner.ErrNotLeader
	}
	return gw, err
}

// ---- Handlers ----

type HealthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	state := s.opts.Leadership.State()
	if state == runner.StateTerminated {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "terminated", Role: state.String()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Role: state.String()})
}

type UploadResponse struct {
	Key string `json:"key"`
}

func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gateway(r); err != nil {
		s.fail(w, r, err)
		return
	}

	jobID := chi.URLParam(r, "jobID")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxArtifactBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE",
				fmt.Sprintf("artifact exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	key, err := s.opts.Artifacts.Put(r.Context(), jobID, data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Key: key})
}

type SubmitResponse struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "submission rate exceeded")
		return
	}

	var desc model.JobDescriptor
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("decode job: %v", err))
		return
	}
	if strings.TrimSpace(desc.ID) == "" {
		desc.ID = model.NewJobID()
	}

	gw, err := s.gateway(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := gw.SubmitJob(r.Context(), &desc); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: desc.ID})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	gw, err := s.gateway(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := gw.CancelJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// jobResult 最多等待 timeout，超时返回 202，作业本身不受影响
func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	timeout := DefaultResultTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid timeout %q", raw))
			return
		}
		timeout = min(d, MaxResultTimeout)
	}

	gw, err := s.gateway(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fut, err := gw.RequestJobResult(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	res, err := fut.Get(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			err = errResultPending
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	gw, err := s.gateway(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobs, err := gw.ListJobs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// jobLogs 日志保存在集群存储里，作业清理后仍可在 TTL 内查询
func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.opts.Cluster.GetJobLog(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, logs)
}
