package websocket

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Upgrader turns authenticated HTTP requests into hub clients.
type Upgrader struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewUpgrader accepts connections from the given origins. "*" accepts any
// origin; requests without an Origin header (native apps) are always allowed.
func NewUpgrader(origins []string, logger *zap.Logger) *Upgrader {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] {
					return true
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
		logger: logger,
	}
}

// Connect upgrades the request, registers the client with hub and starts its
// pumps. The caller has already authenticated userID.
func (u *Upgrader) Connect(c *gin.Context, hub *Hub, userID, role string) (*Client, error) {
	conn, err := u.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}

	client := NewClient(userID, role, conn, hub, u.logger)
	hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
	return client, nil
}
