package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// onlineUserResponse is one entry of the online-users snapshot.
type onlineUserResponse struct {
	UserID           string   `json:"user_id"`
	Username         string   `json:"username"`
	Rooms            []string `json:"rooms"`
	ConnectedSeconds int64    `json:"connected_seconds"`
}

// OnlineUsers handles GET /api/online: a point-in-time snapshot of every
// connected identity and the rooms it occupies.
func (h *Hub) OnlineUsers(c *gin.Context) {
	snapshot := h.registry.OnlineUsers()

	users := make([]onlineUserResponse, 0, len(snapshot))
	for _, u := range snapshot {
		users = append(users, onlineUserResponse{
			UserID:           u.UserID.String(),
			Username:         u.Username,
			Rooms:            u.Rooms,
			ConnectedSeconds: int64(time.Since(u.ConnectedAt).Seconds()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}
