package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
	"fiscalcontrol/reminder"
)

type paymentService interface {
	Register(ctx context.Context, actor auth.Actor, in payment.Input) (payment.Record, error)
	Transition(ctx context.Context, id string, action payment.Action, actor auth.Actor) (payment.Record, error)
	Get(ctx context.Context, id string) (payment.Record, error)
	List(ctx context.Context) ([]payment.Record, error)
	History(ctx context.Context, id string) ([]payment.Event, error)
	Today() payment.Date
}

type tokenService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Actor, error)
}

type sweepRunner interface {
	Run(ctx context.Context, today payment.Date) (reminder.Report, error)
}

// Server exposes the payment lifecycle over a single JSON endpoint.
type Server struct {
	payments     paymentService
	auth         tokenService
	reminders    sweepRunner
	requireToken bool
	logger       *slog.Logger

	// export renders the workbook; nil means sheet.Export.
	export func(w io.Writer, records []payment.Record) error
}

// NewServer wires the HTTP layer. tokens may be nil, which disables login.
func NewServer(payments paymentService, tokens *auth.Service, reminders sweepRunner, requireToken bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{payments: payments, reminders: reminders, requireToken: requireToken, logger: logger}
	if tokens != nil {
		s.auth = tokens
	}
	return s
}

func (s *Server) Routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/", s.handleHealth)
	r.POST("/", s.handleAction)
	r.POST("/auth/login", s.handleLogin)

	api := r.Group("/api")
	api.POST("/payments", s.handleAction)
	api.GET("/payments/export", s.handleExport)
	api.POST("/reminders/run", s.handleRunReminders)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
