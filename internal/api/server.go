// Package api serves the local control API operators use to inspect and
// cancel work while the daemon runs.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Pr0fe5s0r/gitybara/internal/metrics"
	"github.com/Pr0fe5s0r/gitybara/internal/orchestrator"
	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

// Server exposes a daemon over HTTP.
type Server struct {
	daemon *orchestrator.Daemon
	store  *store.Store
	echo   *echo.Echo
	logger *slog.Logger
}

// NewServer builds the router. m may be nil, in which case /metrics is not
// served.
func NewServer(d *orchestrator.Daemon, st *store.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{daemon: d, store: st, echo: e, logger: logger}
	e.Use(s.requestLogger)

	e.GET("/healthz", func(c echo.Context) error {
		return jsonOK(c, map[string]string{"status": "ok"})
	})
	e.GET("/tasks", s.listTasks)
	e.POST("/tasks/cancel", s.cancelAll)
	e.GET("/jobs", s.listJobs)
	e.GET("/jobs/:owner/:name/:number", s.getJob)
	e.POST("/jobs/:owner/:name/:number/run", s.runJob)
	e.POST("/jobs/:owner/:name/:number/cancel", s.cancelJob)
	e.POST("/jobs/:owner/:name/:number/reset", s.resetJob)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
	return s
}

// Handler returns the router, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Debug("http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}
}

type jobPath struct {
	Owner  string `param:"owner" validate:"required"`
	Name   string `param:"name" validate:"required"`
	Number int    `param:"number" validate:"gt=0"`
}

func (p jobPath) key() store.Key {
	return store.Key{Owner: p.Owner, Name: p.Name, Number: p.Number}
}

func bindJobPath(c echo.Context) (jobPath, error) {
	var p jobPath
	if err := (&echo.DefaultBinder{}).BindPathParams(c, &p); err != nil {
		return p, err
	}
	if err := c.Validate(&p); err != nil {
		return p, err
	}
	return p, nil
}

func boolQuery(c echo.Context, name string) (bool, error) {
	var v bool
	if err := echo.QueryParamsBinder(c).Bool(name, &v).BindError(); err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func (s *Server) listTasks(c echo.Context) error {
	return jsonOK(c, s.daemon.Scheduler().Running())
}

// CancelAllResult reports how many tasks were signalled.
type CancelAllResult struct {
	Cancelled int `json:"cancelled"`
}

func (s *Server) cancelAll(c echo.Context) error {
	force, err := boolQuery(c, "force")
	if err != nil {
		return err
	}
	n := s.daemon.Scheduler().CancelAll(force)
	s.logger.Info("cancel all requested", "force", force, "signalled", n)
	return jsonOK(c, CancelAllResult{Cancelled: n})
}

type jobsQuery struct {
	Repo   string `query:"repo" validate:"omitempty,contains=/"`
	Status string `query:"status" validate:"omitempty,oneof=pending in-progress waiting done failed cancelled"`
	Limit  int    `query:"limit" validate:"gte=0,lte=1000"`
}

func (s *Server) listJobs(c echo.Context) error {
	var q jobsQuery
	if err := c.Bind(&q); err != nil {
		return err
	}
	if err := c.Validate(&q); err != nil {
		return err
	}

	f := store.Filter{Limit: q.Limit}
	if q.Limit == 0 {
		f.Limit = 100
	}
	if q.Repo != "" {
		f.Owner, f.Name, _ = strings.Cut(q.Repo, "/")
	}
	if q.Status != "" {
		f.Statuses = []state.Status{state.Status(q.Status)}
	}

	jobs, err := s.store.ListJobs(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	return jsonOK(c, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	p, err := bindJobPath(c)
	if err != nil {
		return err
	}
	job, err := s.store.LatestJob(c.Request().Context(), p.key())
	if err != nil {
		return err
	}
	return jsonOK(c, job)
}

func (s *Server) runJob(c echo.Context) error {
	p, err := bindJobPath(c)
	if err != nil {
		return err
	}
	forceNew, err := boolQuery(c, "force_new_branch")
	if err != nil {
		return err
	}
	job, task, err := s.daemon.Enqueue(c.Request().Context(), p.key(), forceNew)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownRepo) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if job == nil {
			return err
		}
		// Known job the scheduler could not take now; the poll loop will.
		return c.JSON(http.StatusAccepted, Envelope{Data: job})
	}
	if task == nil {
		return c.JSON(http.StatusConflict, Envelope{
			Data:  job,
			Error: &APIError{Code: "conflict", Message: "job is " + string(job.Status)},
		})
	}
	return c.JSON(http.StatusAccepted, Envelope{Data: job})
}

func (s *Server) cancelJob(c echo.Context) error {
	p, err := bindJobPath(c)
	if err != nil {
		return err
	}
	force, err := boolQuery(c, "force")
	if err != nil {
		return err
	}
	res, err := s.daemon.Cancel(c.Request().Context(), p.key(), force)
	if err != nil {
		return err
	}
	s.logger.Info("cancel requested", "issue", p.key().String(), "force", force, "result", res.Message)
	return jsonOK(c, res)
}

func (s *Server) resetJob(c echo.Context) error {
	p, err := bindJobPath(c)
	if err != nil {
		return err
	}
	job, err := s.daemon.Reset(c.Request().Context(), p.key())
	if err != nil {
		return err
	}
	return jsonOK(c, job)
}
