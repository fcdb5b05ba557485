package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"kanban/api/internal/auth"
	"kanban/api/internal/broadcast"
	"kanban/api/internal/util"
)

const (
	headerSessionID   = "X-Session-ID"
	sessionContextKey = "session"
	heartbeatInterval = 25 * time.Second
)

type HTTPServer struct {
	service    *Service
	hub        *broadcast.Hub
	corsOrigin string
	checks     []readinessCheck
	logger     *log.Logger
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

func NewHTTPServer(service *Service, hub *broadcast.Hub, corsOrigin string, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin, logger: logger}
}

// AddReadinessCheck reports check under name in /api/ready next to the
// database. Any failing check makes the instance not ready.
func (s *HTTPServer) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

func (s *HTTPServer) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(s.requestLog)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{s.corsOrigin},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderXRequestID, headerSessionID},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	}))

	api := e.Group("/api")
	api.GET("/health", s.health)
	api.GET("/ready", s.ready)

	authed := api.Group("", s.requireSession)
	authed.GET("/boards", s.listBoards)
	authed.POST("/boards", s.createBoard)

	board := authed.Group("/boards/:boardId")
	board.GET("", s.getBoard)
	board.PUT("", s.updateBoard)
	board.DELETE("", s.deleteBoard)
	board.GET("/members", s.listMembers)
	board.POST("/members", s.addMember)
	board.GET("/events", s.streamEvents)

	board.GET("/cards", s.listCards)
	board.POST("/cards", s.createCard)
	board.GET("/cards/:cardId", s.getCard)
	board.PUT("/cards/:cardId", s.updateCard)
	board.PATCH("/cards/:cardId", s.moveCard)
	board.DELETE("/cards/:cardId", s.deleteCard)

	board.GET("/cards/:cardId/tasks", s.listTasks)
	board.POST("/cards/:cardId/tasks", s.createTask)
	board.GET("/cards/:cardId/tasks/:taskId", s.getTask)
	board.PUT("/cards/:cardId/tasks/:taskId", s.updateTask)
	board.PATCH("/cards/:cardId/tasks/:taskId", s.moveTask)
	board.DELETE("/cards/:cardId/tasks/:taskId", s.deleteTask)

	return e
}

func (s *HTTPServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	run := func(name string, check func(context.Context) error) {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	run("database", s.service.Ping)
	for _, rc := range s.checks {
		run(rc.name, rc.check)
	}
	return c.JSON(statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// =============================================================================
// Boards
// =============================================================================

type boardBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *HTTPServer) listBoards(c echo.Context) error {
	boards, err := s.service.ListBoards(c.Request().Context(), session(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"boards": boards})
}

func (s *HTTPServer) createBoard(c echo.Context) error {
	var body boardBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	board, err := s.service.CreateBoard(c.Request().Context(), session(c), body.Name, body.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, board)
}

func (s *HTTPServer) getBoard(c echo.Context) error {
	board, err := s.service.GetBoard(c.Request().Context(), session(c), c.Param("boardId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, board)
}

func (s *HTTPServer) updateBoard(c echo.Context) error {
	var body boardBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	board, err := s.service.UpdateBoard(c.Request().Context(), session(c), c.Param("boardId"), body.Name, body.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, board)
}

func (s *HTTPServer) deleteBoard(c echo.Context) error {
	if err := s.service.DeleteBoard(c.Request().Context(), session(c), c.Param("boardId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) listMembers(c echo.Context) error {
	members, err := s.service.ListMembers(c.Request().Context(), session(c), c.Param("boardId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) addMember(c echo.Context) error {
	var body struct {
		Member string `json:"member"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	members, err := s.service.AddMember(c.Request().Context(), session(c), c.Param("boardId"), body.Member)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"members": members})
}

// =============================================================================
// Cards
// =============================================================================

func (s *HTTPServer) listCards(c echo.Context) error {
	cards, err := s.service.ListCards(c.Request().Context(), session(c), c.Param("boardId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"cards": cards})
}

func (s *HTTPServer) createCard(c echo.Context) error {
	var body CardInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	card, err := s.service.CreateCard(c.Request().Context(), session(c), c.Param("boardId"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, card)
}

func (s *HTTPServer) getCard(c echo.Context) error {
	card, err := s.service.GetCard(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *HTTPServer) updateCard(c echo.Context) error {
	var body CardInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	card, err := s.service.UpdateCard(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *HTTPServer) moveCard(c echo.Context) error {
	var body MoveInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	card, err := s.service.MoveCard(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *HTTPServer) deleteCard(c echo.Context) error {
	if err := s.service.DeleteCard(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// Tasks
// =============================================================================

func (s *HTTPServer) listTasks(c echo.Context) error {
	tasks, err := s.service.ListTasks(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *HTTPServer) createTask(c echo.Context) error {
	var body TaskInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	task, err := s.service.CreateTask(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *HTTPServer) getTask(c echo.Context) error {
	task, err := s.service.GetTask(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), c.Param("taskId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) updateTask(c echo.Context) error {
	var body TaskInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	task, err := s.service.UpdateTask(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), c.Param("taskId"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) moveTask(c echo.Context) error {
	var body MoveInput
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	task, err := s.service.MoveTask(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), c.Param("taskId"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) deleteTask(c echo.Context) error {
	if err := s.service.DeleteTask(c.Request().Context(), session(c), c.Param("boardId"), c.Param("cardId"), c.Param("taskId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// Event stream
// =============================================================================

// streamEvents relays the board's broadcasts as server-sent events. The first
// frame tells the client its session id so it can send it back on writes.
func (s *HTTPServer) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	sess := session(c)
	boardID := c.Param("boardId")
	if err := s.service.Authorize(ctx, sess, boardID); err != nil {
		return err
	}
	if sess.SessionID == "" {
		sess.SessionID = util.NewID("session")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return domainError(http.StatusInternalServerError, "STREAM_UNSUPPORTED", "Streaming unsupported", nil)
	}

	sub := s.hub.Subscribe(boardID, sess.SessionID)
	defer sub.Close()

	res.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(res, "event: session\ndata: {\"session\":%q}\n\n", sess.SessionID); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := broadcast.Encode(ev)
			if err != nil {
				s.logger.WithError(err).Warn("encode stream event")
				continue
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// =============================================================================
// Middleware
// =============================================================================

// requireSession resolves the bearer token. EventSource cannot set headers,
// so the token and session id may also come from the query string.
func (s *HTTPServer) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		token, err := auth.BearerToken(req.Header.Get(echo.HeaderAuthorization))
		if err != nil {
			token = strings.TrimSpace(c.QueryParam("token"))
		}
		if token == "" {
			return auth.ErrMissingToken
		}
		sessionID := strings.TrimSpace(req.Header.Get(headerSessionID))
		if sessionID == "" {
			sessionID = strings.TrimSpace(c.QueryParam("session"))
		}
		sess, err := s.service.SessionFromToken(token, sessionID)
		if err != nil {
			return err
		}
		c.Set(sessionContextKey, sess)
		return next(c)
	}
}

func session(c echo.Context) Session {
	sess, _ := c.Get(sessionContextKey).(Session)
	return sess
}

func (s *HTTPServer) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		requestID := req.Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = util.NewID("req")
		}
		c.Response().Header().Set(echo.HeaderXRequestID, requestID)
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")

		started := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		s.logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      c.Response().Status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
		return nil
	}
}

func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Request().URL.Path).Error("request failed")
	}
	writeError(c, status, code, message, details)
}

func writeError(c echo.Context, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, response)
}

// decodeBody reads an optional JSON body. An empty body leaves target as is.
func decodeBody(c echo.Context, target any) error {
	body := c.Request().Body
	if body == nil {
		return nil
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "unreadable body", nil)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}

// sonicSerializer replaces echo's encoding/json serializer.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body").SetInternal(err)
	}
	return nil
}
