// Package httpapi is the echo application: REST routes for everything that
// happens before a connection exists, plus the websocket route.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"driftchat/internal/blob"
	"driftchat/internal/domain"
	"driftchat/internal/protocol"
	"driftchat/internal/quota"
	"driftchat/internal/relay"
	"driftchat/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"
)

// DefaultMaxUploadBytes caps a single upload when Options leaves it unset.
const DefaultMaxUploadBytes = 25 << 20

// Options tunes the REST surface.
type Options struct {
	MaxUploadBytes int64
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	svc     *domain.Service
	relay   *relay.Relay
	blobs   *blob.Store
	quota   *quota.Tracker
	opts    Options
	started time.Time
}

// New constructs an Echo app with websocket + REST routes.
func New(svc *domain.Service, rl *relay.Relay, blobs *blob.Store, tracker *quota.Tracker, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:    e,
		svc:     svc,
		relay:   rl,
		blobs:   blobs,
		quota:   tracker,
		opts:    opts,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)

	s.echo.POST("/api/users", s.handleCreateUser)
	s.echo.GET("/api/users/me", s.handleMe)
	s.echo.PUT("/api/users/me/settings", s.handleSettings)
	s.echo.GET("/api/users/me/statistics", s.handleStatistics)

	s.echo.POST("/api/rooms", s.handleCreateRoom)
	s.echo.GET("/api/rooms", s.handleListRooms)
	s.echo.GET("/api/rooms/:id", s.handleGetRoom)
	s.echo.POST("/api/rooms/:id/join", s.handleJoinRoom)
	s.echo.POST("/api/rooms/:id/leave", s.handleLeaveRoom)
	s.echo.DELETE("/api/rooms/:id/members/:user", s.handleKickMember)
	s.echo.GET("/api/rooms/:id/messages", s.handleHistory)
	s.echo.GET("/api/rooms/:id/quota", s.handleQuota)
	s.echo.POST("/api/rooms/:id/attachments", s.handleUpload)
	s.echo.GET("/api/attachments/:id", s.handleDownload)

	ws.NewHandler(s.relay).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// statusOf maps a domain error kind to an HTTP status.
func statusOf(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPermission:
		return http.StatusForbidden
	case domain.KindState:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindResource:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	if domain.IsExpected(err) {
		if domain.CodeOf(err) == domain.CodeRoomExpired {
			s.svc.SweepAsync()
		}
		return echo.NewHTTPError(statusOf(domain.KindOf(err)), errorBody{Code: string(domain.CodeOf(err)), Error: err.Error()})
	}
	slog.Error("request failed", "method", c.Request().Method, "path", c.Path(),
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID), "err", err)
	return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Code: string(domain.CodeInternalError), Error: "internal error"})
}

// caller resolves the acting user from X-User-ID or ?user_id.
func caller(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Request().Header.Get("X-User-ID"))
	if id == "" {
		id = strings.TrimSpace(c.QueryParam("user_id"))
	}
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, errorBody{Code: string(domain.CodeUserNotFound), Error: "X-User-ID header is required"})
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Code: string(domain.CodeInvalidRequest), Error: "invalid request body"})
	}
	return nil
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.relay.Registry().Count(),
	})
}

func (s *Server) handleState(c echo.Context) error {
	totals, err := s.svc.Totals(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	stats := s.relay.Stats()
	return c.JSON(http.StatusOK, protocol.State{
		Rooms:       totals.Rooms,
		Messages:    totals.Messages,
		Connections: stats.Connections,
		Voice:       stats.VoiceParticipants,
		Uptime:      int64(time.Since(s.started).Seconds()),
	})
}

type createUserRequest struct {
	Name              string `json:"name"`
	StatisticsEnabled *bool  `json:"statistics_enabled"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	u, err := s.svc.CreateUser(c.Request().Context(), req.Name, lo.FromPtrOr(req.StatisticsEnabled, true))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, protocol.UserOf(u))
}

func (s *Server) handleMe(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	u, err := s.svc.User(c.Request().Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.UserOf(u))
}

type settingsRequest struct {
	StatisticsEnabled bool `json:"statistics_enabled"`
}

func (s *Server) handleSettings(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	var req settingsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	u, err := s.svc.SetStatisticsEnabled(c.Request().Context(), userID, req.StatisticsEnabled)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.UserOf(u))
}

func (s *Server) handleStatistics(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	st, err := s.svc.Statistics(c.Request().Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.StatisticsOf(st))
}

type createRoomRequest struct {
	Name string `json:"name"`
	// Either an absolute expiry or a lifetime from now; both empty means
	// the room never expires.
	ExpiresAt        *time.Time `json:"expires_at"`
	ExpiresInSeconds int64      `json:"expires_in_seconds"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	var req createRoomRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.ExpiresInSeconds > 0 {
		expiresAt = lo.ToPtr(time.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second))
	}
	room, err := s.relay.CreateRoom(c.Request().Context(), userID, req.Name, expiresAt)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, protocol.RoomOf(room))
}

func (s *Server) handleListRooms(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	rooms, err := s.svc.Rooms(c.Request().Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, lo.Map(rooms, func(r domain.Room, _ int) protocol.Room { return protocol.RoomOf(r) }))
}

func (s *Server) handleGetRoom(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	room, err := s.svc.Room(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.RoomOf(room))
}

func (s *Server) handleJoinRoom(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	room, err := s.relay.JoinRoom(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.RoomOf(room))
}

func (s *Server) handleLeaveRoom(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	if err := s.relay.LeaveRoom(c.Request().Context(), c.Param("id"), userID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleKickMember(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	if err := s.relay.KickMember(c.Request().Context(), c.Param("id"), userID, c.Param("user")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistory(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return s.fail(c, domain.ErrInvalidRequest.With("limit must be a non-negative integer"))
		}
	}
	msgs, err := s.svc.History(c.Request().Context(), c.Param("id"), userID, c.QueryParam("before"), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.MessagesOf(msgs))
}

func (s *Server) handleQuota(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	roomID := c.Param("id")
	if err := s.svc.CheckAccess(c.Request().Context(), roomID, userID); err != nil {
		return s.fail(c, err)
	}
	used, err := s.quota.OccupiedBytes(roomID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Quota{
		RoomID:    roomID,
		Quota:     s.quota.Quota(),
		Occupied:  used,
		FreeBytes: max(s.quota.Quota()-used, 0),
	})
}

// handleUpload stores a multipart "file" for the room. The quota check and
// the write share the room's upload lock; the attachment record is created
// afterwards and the file is removed again if that fails.
func (s *Server) handleUpload(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	roomID := c.Param("id")
	if err := s.svc.CheckAccess(ctx, roomID, userID); err != nil {
		return s.fail(c, err)
	}

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.opts.MaxUploadBytes+(1<<20))
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return s.fail(c, domain.ErrNotEnoughSpace.With("upload exceeds %d bytes", s.opts.MaxUploadBytes))
		}
		return s.fail(c, domain.ErrInvalidRequest.With("multipart file field \"file\" is required"))
	}
	if fileHeader.Size > s.opts.MaxUploadBytes {
		return s.fail(c, domain.ErrNotEnoughSpace.With("upload exceeds %d bytes", s.opts.MaxUploadBytes))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return s.fail(c, fmt.Errorf("open uploaded file: %w", err))
	}
	defer src.Close()

	var info blob.FileInfo
	err = s.quota.Admit(ctx, roomID, fileHeader.Size, func() error {
		var putErr error
		info, putErr = s.blobs.Put(roomID, src)
		return putErr
	})
	if err != nil {
		return s.fail(c, err)
	}

	att, err := s.svc.CreateAttachment(ctx, domain.CreateAttachmentParams{
		RoomID:      roomID,
		UploaderID:  userID,
		Filename:    fileHeader.Filename,
		StoragePath: info.Path(),
		Size:        info.Size,
	})
	if err != nil {
		if rmErr := s.blobs.RemovePath(info.Path()); rmErr != nil {
			slog.Warn("remove orphaned upload", "room_id", roomID, "path", info.Path(), "err", rmErr)
		}
		return s.fail(c, err)
	}
	slog.Info("file uploaded", "room_id", roomID, "user_id", userID, "attachment_id", att.ID, "size", att.SizeBytes)
	return c.JSON(http.StatusCreated, protocol.AttachmentOf(att))
}

func (s *Server) handleDownload(c echo.Context) error {
	userID, err := caller(c)
	if err != nil {
		return err
	}
	att, err := s.svc.Attachment(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return s.fail(c, err)
	}
	roomID, name, err := blob.SplitPath(att.StoragePath)
	if err != nil {
		return s.fail(c, err)
	}
	f, info, err := s.blobs.Open(roomID, name)
	if errors.Is(err, blob.ErrNotFound) {
		return s.fail(c, domain.ErrAttachmentNotFound.With("file is gone"))
	}
	if err != nil {
		return s.fail(c, err)
	}
	defer f.Close()

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(att.Filename)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, f)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
