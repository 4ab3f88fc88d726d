package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/internal/handler"
)

// NewRouter builds the gin engine with the global middlewares and every route.
func NewRouter(mode string, mw *MiddlewareManager, groupChatHandler *handler.GroupChatHandler) *gin.Engine {
	gin.SetMode(mode)

	r := gin.New()
	r.Use(mw.Recovery(), mw.RequestID(), mw.Logger(), mw.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterRoutes(r, mw, groupChatHandler)
	return r
}

// RegisterRoutes registers all API routes
func RegisterRoutes(r *gin.Engine, mw *MiddlewareManager, groupChatHandler *handler.GroupChatHandler) {
	api := r.Group("/api/v1")
	api.Use(mw.JWTAuth())

	// Writes share the caller's budget; reads are not limited.
	limited := mw.RateLimit()

	groupChats := api.Group("/group-chats")
	{
		groupChats.GET("", groupChatHandler.ListGroupChats)
		groupChats.POST("", limited, groupChatHandler.CreateGroupChat)
		groupChats.GET("/:id", groupChatHandler.GetGroupChat)
		groupChats.PATCH("/:id", limited, groupChatHandler.EditGroupChat)
		groupChats.GET("/:id/messages", groupChatHandler.GetMessages)
		groupChats.POST("/:id/messages", limited, groupChatHandler.SendMessage)
		groupChats.POST("/:id/seen", limited, groupChatHandler.MarkSeen)
		groupChats.POST("/:id/admins", limited, groupChatHandler.MakeAdmin)
		groupChats.DELETE("/:id/admins/:user_id", limited, groupChatHandler.RemoveAdmin)
		groupChats.POST("/:id/invites", limited, groupChatHandler.Invite)
		groupChats.POST("/:id/leave", limited, groupChatHandler.Leave)
	}

	api.GET("/direct-messages/:user_id", groupChatHandler.GetDirectMessage)
	api.GET("/updates", groupChatHandler.GetUpdates)
	api.GET("/messages/search", groupChatHandler.SearchMessages)
}
