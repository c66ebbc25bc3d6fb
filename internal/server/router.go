package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/auth"
	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey          = "laurels_actor"
	defaultHeartbeatInterval = 15 * time.Second
	wildcardOrigin           = "*"
)

var (
	errMissingCompetitionService = errors.New("competition service dependency required")
	errMissingRosterService      = errors.New("roster service dependency required")
	errMissingSessionValidator   = errors.New("session validator dependency required")
)

// SessionValidator authenticates a request and returns its verified claims.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// RequestMetrics records served requests and exposes the metrics endpoint.
type RequestMetrics interface {
	ObserveRequest(method, route string, status int, duration time.Duration)
	Handler() http.Handler
}

type Dependencies struct {
	CompetitionService *competition.Service
	RosterService      *roster.Service
	Sessions           SessionValidator
	Metrics            RequestMetrics
	Status             *StatusDispatcher
	AllowedOrigins     []string
	HeartbeatInterval  time.Duration
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.CompetitionService == nil {
		return nil, errMissingCompetitionService
	}
	if deps.RosterService == nil {
		return nil, errMissingRosterService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	status := deps.Status
	if status == nil {
		status = NewStatusDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(requestMetrics(deps.Metrics))
	}
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		competition: deps.CompetitionService,
		roster:      deps.RosterService,
		sessions:    deps.Sessions,
		status:      status,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/credentials/:id/verify", handler.handleVerifyCredential)
	router.GET("/events/:id", handler.handleGetEvent)
	router.GET("/events/:id/credentials", handler.handleListCredentials)
	router.GET("/events/:id/status/stream", handler.handleStatusStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/events", handler.handleCreateEvent)
	protected.PUT("/events/:id/criteria", handler.handleDefineRubric)
	protected.POST("/events/:id/submissions", handler.handleRegisterSubmission)
	protected.POST("/events/:id/scoring/open", handler.handleOpenScoring)
	protected.POST("/events/:id/results/lock", handler.handleLockAndCompute)
	protected.GET("/events/:id/results", handler.handleListResults)
	protected.POST("/events/:id/results/publish", handler.handlePublish)
	protected.POST("/submissions/:id/votes", handler.handleRecordVote)
	protected.POST("/submissions/:id/scores", handler.handleSubmitScores)
	protected.PUT("/students/:id", handler.handleUpsertStudent)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == wildcardOrigin) {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestMetrics(recorder RequestMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		recorder.ObserveRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(started))
	}
}

type httpHandler struct {
	competition *competition.Service
	roster      *roster.Service
	sessions    SessionValidator
	status      *StatusDispatcher
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, competition.NewActor(claims.UserID, claims.UserRoles))
	c.Next()
}

func actorFromContext(c *gin.Context) competition.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return competition.Actor{}
	}
	actor, _ := value.(competition.Actor)
	return actor
}
