package realtime

import (
	"net/http"

	"github.com/gidigo/ride-coordinator/internal/bridge"
	"github.com/gidigo/ride-coordinator/internal/coordinator"
	"github.com/gidigo/ride-coordinator/internal/ride"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/middleware"
	"github.com/gidigo/ride-coordinator/pkg/security"
	ws "github.com/gidigo/ride-coordinator/pkg/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RefreshTokenHeader carries the refresh token on the websocket upgrade so
// the session can renew its own credentials.
const RefreshTokenHeader = "X-Refresh-Token"

// SessionView is the body of GET /session.
type SessionView struct {
	SessionID       string               `json:"session_id"`
	UserID          string               `json:"user_id"`
	Role            ride.Role            `json:"role"`
	Live            bool                 `json:"live"`
	Ride            *ride.Ride           `json:"ride"`
	Status          ride.Status          `json:"status,omitempty"`
	Active          bool                 `json:"active"`
	CanCancel       bool                 `json:"can_cancel"`
	Online          *bool                `json:"online,omitempty"`
	PendingRequests []bridge.RideRequest `json:"pending_requests,omitempty"`
}

// Handler handles HTTP requests for the gateway
type Handler struct {
	service  *Service
	upgrader *ws.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(service *Service, upgrader *ws.Upgrader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:  service,
		upgrader: upgrader,
		logger:   logger.Named("realtime"),
	}
}

// RegisterRoutes mounts the REST routes; the websocket route is mounted by
// the caller outside any request timeout.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/session", h.GetSession)
	rg.GET("/realtime/stats", h.GetStats)
}

// HandleWebSocket opens the user's session and upgrades the connection.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.AppErrorResponse(c, common.NewUnauthorizedError("unauthorized"))
		return
	}
	role, _ := middleware.GetUserRole(c)
	if !ride.Role(role).Valid() {
		common.ErrorResponse(c, http.StatusForbidden, "websocket is only available to passengers and drivers")
		return
	}

	opts := []coordinator.StartOption{
		coordinator.WithProfile(
			security.CleanText(c.GetString(middleware.UserNameKey), maxUserNameLength),
			security.SanitizePhone(c.GetString(middleware.UserPhoneKey)),
		),
	}
	if token := c.GetString(middleware.AccessTokenKey); token != "" {
		tokens := session.Tokens{AccessToken: token, RefreshToken: c.GetHeader(RefreshTokenHeader)}
		if claims := middleware.GetClaims(c); claims != nil && claims.ExpiresAt != nil {
			tokens.ExpiresAt = claims.ExpiresAt.Time
		}
		opts = append(opts, coordinator.WithTokens(tokens))
	}

	if _, err := h.service.Manager().Start(c.Request.Context(), userID, ride.Role(role), opts...); err != nil {
		h.logger.Error("failed to start session", zap.String("user_id", userID), zap.Error(err))
		common.AppErrorResponse(c, common.NewInternalServerError("failed to start session"))
		return
	}

	client, err := h.upgrader.Connect(c, h.service.Hub(), userID, role)
	if err != nil {
		// the upgrader has already answered the request
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		if !h.service.Hub().Connected(userID) {
			_ = h.service.Manager().End(c.Request.Context(), coordinator.SessionID(userID, ride.Role(role)))
		}
		return
	}

	h.logger.Info("websocket connection established",
		zap.String("user_id", userID),
		zap.String("role", role),
		zap.String("client_id", client.ID),
	)
}

// GetSession returns the caller's active ride and session status. It works
// without an open websocket by reading the persisted state.
func (h *Handler) GetSession(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.AppErrorResponse(c, common.NewUnauthorizedError("unauthorized"))
		return
	}
	role, _ := middleware.GetUserRole(c)
	if !ride.Role(role).Valid() {
		common.ErrorResponse(c, http.StatusForbidden, "no ride session for this role")
		return
	}

	manager := h.service.Manager()
	current, live, err := manager.Peek(c.Request.Context(), userID, ride.Role(role))
	if err != nil {
		// the persisted markers live in Redis
		h.logger.Warn("failed to load session", zap.String("user_id", userID), zap.Error(err))
		common.AppErrorResponse(c, common.NewServiceUnavailableError("session store unavailable", err))
		return
	}

	view := SessionView{
		SessionID: coordinator.SessionID(userID, ride.Role(role)),
		UserID:    userID,
		Role:      ride.Role(role),
		Live:      live,
		Ride:      current,
	}
	if current != nil {
		view.Status = current.Status
		view.Active = current.IsActive()
		view.CanCancel = ride.CanCancel(current.Status)
	}
	if live {
		if sess, ok := manager.Get(view.SessionID); ok && sess.Driver != nil {
			online := sess.Driver.Online()
			view.Online = &online
			view.PendingRequests = sess.Driver.Pending()
		}
	}

	common.SuccessResponse(c, view)
}

// GetStats returns connection statistics
func (h *Handler) GetStats(c *gin.Context) {
	common.SuccessResponse(c, gin.H{
		"connected_clients": h.service.Hub().ClientCount(),
		"active_sessions":   h.service.Manager().Count(),
	})
}
