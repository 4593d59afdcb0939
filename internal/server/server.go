// Package server exposes the orchestrator over HTTP: a JSON API for tasks,
// goals, approvals and plugins, a websocket live tail of the event log, and
// the health and metrics endpoints. The server never mutates entity state
// itself; every write goes through the scheduler or the approval queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"otto/internal/agentpool"
	"otto/internal/approval"
	"otto/internal/domain"
	"otto/internal/eventlog"
	"otto/internal/ident"
	"otto/internal/logging"
	"otto/internal/plugin"
	"otto/internal/state"
)

// Scheduler is the write surface the API drives.
type Scheduler interface {
	SubmitTask(task *domain.Task, actor domain.Actor) (*domain.Task, error)
	CancelTask(taskID string) error
	ActivateGoal(ctx context.Context, goalID string) (*domain.Goal, error)
	Tick(ctx context.Context)
}

// Pool reports worker status.
type Pool interface {
	Status() agentpool.PoolStatus
}

// Options configures the HTTP server.
type Options struct {
	Host string
	Port int
	CORS bool

	Store     *state.Store
	Events    *eventlog.Store
	Approvals *approval.Queue
	Plugins   *plugin.Registry
	Scheduler Scheduler
	Pool      Pool
	Logger    logging.Logger

	// StartedAt feeds the status endpoint's uptime.
	StartedAt time.Time
}

// Server is the HTTP frontend.
type Server struct {
	opts     Options
	engine   *gin.Engine
	http     *http.Server
	addr     string
	upgrader websocket.Upgrader
}

// New builds the router. Start actually binds.
func New(opts Options) *Server {
	opts.Logger = logging.OrNop(opts.Logger)
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now().UTC()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if opts.CORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		opts:   opts,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/run", s.handleRunTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)

		api.POST("/goals", s.handleCreateGoal)
		api.GET("/goals", s.handleListGoals)
		api.GET("/goals/:id", s.handleGetGoal)
		api.POST("/goals/:id/activate", s.handleActivateGoal)

		api.GET("/approvals", s.handleListApprovals)
		api.POST("/approvals/:id/decision", s.handleDecideApproval)

		api.POST("/plugins", s.handleInstallPlugin)
		api.GET("/plugins", s.handleListPlugins)

		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleTailEvents)
		api.GET("/events/stream", s.handleStreamEvents)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds and serves until Shutdown. It returns once the listener is
// accepting, serving in the background; listen errors after that are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = listener.Addr().String()
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Logger.Error("http server: %v", err)
		}
	}()
	s.opts.Logger.Info("api listening on %s", listener.Addr())
	return nil
}

// Addr reports the bound address, empty before Start.
func (s *Server) Addr() string { return s.addr }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error()})
}

// --- tasks ---

type createTaskRequest struct {
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Dependencies []string `json:"dependencies"`
	Tags         []string `json:"tags"`
	GoalID       string   `json:"goal_id"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	task := &domain.Task{
		Description:  req.Description,
		Priority:     domain.Priority(req.Priority),
		Dependencies: req.Dependencies,
		Tags:         req.Tags,
		GoalID:       req.GoalID,
		Origin:       domain.OriginUser,
	}
	if req.Priority == "" {
		task.Priority = domain.PriorityMedium
	}
	created, err := s.opts.Scheduler.SubmitTask(task, domain.ActorUser)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := state.TaskFilter{
		Status:   domain.Status(c.Query("status")),
		GoalID:   c.Query("goal_id"),
		Origin:   domain.Origin(c.Query("origin")),
		Priority: domain.Priority(c.Query("priority")),
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.opts.Store.ListTasks(filter)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.opts.Store.GetTask(c.Param("id"))
	if !ok {
		abortError(c, http.StatusNotFound, fmt.Errorf("task %s not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleRunTask forces a scheduling round instead of waiting for the next
// tick. Whether the task actually dispatches still depends on dependencies,
// guardrails and open approvals.
func (s *Server) handleRunTask(c *gin.Context) {
	id := c.Param("id")
	task, ok := s.opts.Store.GetTask(id)
	if !ok {
		abortError(c, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}
	if task.Status != domain.StatusPending {
		abortError(c, http.StatusConflict, fmt.Errorf("task %s is %s, only pending tasks can be run", id, task.Status))
		return
	}
	s.opts.Scheduler.Tick(c.Request.Context())
	updated, _ := s.opts.Store.GetTask(id)
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.opts.Scheduler.CancelTask(id); err != nil {
		abortError(c, http.StatusConflict, err)
		return
	}
	task, _ := s.opts.Store.GetTask(id)
	c.JSON(http.StatusOK, task)
}

// --- goals ---

type createGoalRequest struct {
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
}

func (s *Server) handleCreateGoal(c *gin.Context) {
	var req createGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if req.Description == "" {
		abortError(c, http.StatusBadRequest, fmt.Errorf("goal description is required"))
		return
	}
	goal := &domain.Goal{
		ID:              ident.NewGoalID(),
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Status:          domain.GoalDraft,
	}
	if err := s.opts.Store.CreateGoal(goal, domain.ActorUser); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, goal)
}

func (s *Server) handleListGoals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"goals": s.opts.Store.ListGoals()})
}

func (s *Server) handleGetGoal(c *gin.Context) {
	goal, ok := s.opts.Store.GetGoal(c.Param("id"))
	if !ok {
		abortError(c, http.StatusNotFound, fmt.Errorf("goal %s not found", c.Param("id")))
		return
	}
	tasks := s.opts.Store.ListTasks(state.TaskFilter{GoalID: goal.ID})
	c.JSON(http.StatusOK, gin.H{"goal": goal, "tasks": tasks})
}

func (s *Server) handleActivateGoal(c *gin.Context) {
	goal, err := s.opts.Scheduler.ActivateGoal(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, goal)
}

// --- approvals ---

func (s *Server) handleListApprovals(c *gin.Context) {
	if c.Query("pending") == "true" {
		c.JSON(http.StatusOK, gin.H{"approvals": s.opts.Approvals.Pending()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": s.opts.Store.ListApprovals()})
}

type decisionRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleDecideApproval(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = "api"
	}
	decided, err := s.opts.Approvals.Decide(c.Param("id"), domain.Decision(req.Decision), req.DecidedBy)
	if err != nil {
		abortError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, decided)
}

// --- plugins ---

type installPluginRequest struct {
	Manifest domain.PluginManifest `json:"manifest"`
	Source   string                `json:"source"`
}

// handleInstallPlugin installs the plugin and opens the review approval that
// gates loading it.
func (s *Server) handleInstallPlugin(c *gin.Context) {
	if s.opts.Plugins == nil {
		abortError(c, http.StatusNotImplemented, fmt.Errorf("plugin registry disabled"))
		return
	}
	var req installPluginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	installed, err := s.opts.Plugins.Install(&req.Manifest, []byte(req.Source))
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	approvalID, err := s.opts.Approvals.Request(&domain.Approval{
		Type:   domain.ApprovalPlugin,
		Level:  domain.LevelReview,
		Reason: fmt.Sprintf("plugin %s@%s installed, review before load", installed.Name, installed.Version),
		Payload: map[string]any{
			"plugin":  installed.Name,
			"version": installed.Version,
		},
	})
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": installed, "approval_id": approvalID})
}

func (s *Server) handleListPlugins(c *gin.Context) {
	if s.opts.Plugins == nil {
		c.JSON(http.StatusOK, gin.H{"plugins": []any{}})
		return
	}
	plugins, err := s.opts.Plugins.List()
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

// --- status and events ---

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	counts := map[string]int{}
	for _, task := range s.opts.Store.ListTasks(state.TaskFilter{}) {
		counts[string(task.Status)]++
	}
	status := gin.H{
		"uptime_seconds": int(time.Since(s.opts.StartedAt).Seconds()),
		"tasks":          counts,
		"goals":          len(s.opts.Store.ListGoals()),
		"approvals_open": len(s.opts.Approvals.Pending()),
	}
	if s.opts.Pool != nil {
		status["pool"] = s.opts.Pool.Status()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleTailEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	filter := eventlog.Filter{
		Act:     c.Query("act"),
		TraceID: c.Query("trace_id"),
		ConvID:  c.Query("conv_id"),
	}
	events, err := s.opts.Events.Tail(limit, filter)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
