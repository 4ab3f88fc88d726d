package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"

	"github.com/Gopher0727/GroupChat/internal/service"
)

type GroupChatHandler struct {
	groupChatService service.IGroupChatService
}

func NewGroupChatHandler(groupChatService service.IGroupChatService) *GroupChatHandler {
	return &GroupChatHandler{
		groupChatService: groupChatService,
	}
}

type createGroupChatRequest struct {
	RecipientUserIDs []string `json:"recipient_user_ids"`
	Title            *string  `json:"title"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type targetUserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type markSeenRequest struct {
	MessageID int64 `json:"message_id"`
}

// CreateGroupChat handles POST /group-chats
func (h *GroupChatHandler) CreateGroupChat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req createGroupChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.groupChatService.CreateGroupChat(c.Request.Context(), userID, req.RecipientUserIDs, req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

// SendMessage handles POST /group-chats/:id/messages
func (h *GroupChatHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.groupChatService.SendMessage(c.Request.Context(), userID, chatID, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EditGroupChat handles PATCH /group-chats/:id
func (h *GroupChatHandler) EditGroupChat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var edit service.GroupChatEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.groupChatService.EditGroupChat(c.Request.Context(), userID, chatID, edit); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MakeAdmin handles POST /group-chats/:id/admins
func (h *GroupChatHandler) MakeAdmin(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req targetUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.groupChatService.MakeGroupChatAdmin(c.Request.Context(), userID, chatID, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveAdmin handles DELETE /group-chats/:id/admins/:user_id
func (h *GroupChatHandler) RemoveAdmin(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	if err := h.groupChatService.RemoveGroupChatAdmin(c.Request.Context(), userID, chatID, c.Param("user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Invite handles POST /group-chats/:id/invites
func (h *GroupChatHandler) Invite(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req targetUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.groupChatService.InviteToGroupChat(c.Request.Context(), userID, chatID, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Leave handles POST /group-chats/:id/leave
func (h *GroupChatHandler) Leave(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	if err := h.groupChatService.LeaveGroupChat(c.Request.Context(), userID, chatID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkSeen handles POST /group-chats/:id/seen
func (h *GroupChatHandler) MarkSeen(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req markSeenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.groupChatService.MarkLastSeenGroupChat(c.Request.Context(), userID, chatID, req.MessageID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListGroupChats handles GET /group-chats
func (h *GroupChatHandler) ListGroupChats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	cursor, ok := int64Query(c, "last_message_id")
	if !ok {
		return
	}

	page, err := h.groupChatService.ListGroupChats(c.Request.Context(), userID, cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetGroupChat handles GET /group-chats/:id
func (h *GroupChatHandler) GetGroupChat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	chat, err := h.groupChatService.GetGroupChat(c.Request.Context(), userID, chatID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// GetDirectMessage handles GET /direct-messages/:user_id
func (h *GroupChatHandler) GetDirectMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	chat, err := h.groupChatService.GetDirectMessage(c.Request.Context(), userID, c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// GetMessages handles GET /group-chats/:id/messages
func (h *GroupChatHandler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	cursor, ok := int64Query(c, "last_message_id")
	if !ok {
		return
	}
	onlyUnseen := false
	if raw := c.Query("only_unseen"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid only_unseen"})
			return
		}
		onlyUnseen = v
	}

	page, err := h.groupChatService.GetGroupChatMessages(c.Request.Context(), userID, chatID, cursor, onlyUnseen)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetUpdates handles GET /updates
func (h *GroupChatHandler) GetUpdates(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	cursor, ok := int64Query(c, "newest_message_id")
	if !ok {
		return
	}

	page, err := h.groupChatService.GetUpdates(c.Request.Context(), userID, cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// SearchMessages handles GET /messages/search
func (h *GroupChatHandler) SearchMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	cursor, ok := int64Query(c, "last_message_id")
	if !ok {
		return
	}

	page, err := h.groupChatService.SearchMessages(c.Request.Context(), userID, c.Query("query"), cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return "", false
	}
	return userID, true
}

func chatIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group chat id"})
		return 0, false
	}
	return id, true
}

// int64Query reads an optional non-negative cursor; absent means 0.
func int64Query(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, false
	}
	return v, true
}

func respondError(c *gin.Context, err error) {
	code := service.CodeOf(err)
	var status int
	switch code {
	case codes.NotFound:
		status = http.StatusNotFound
	case codes.InvalidArgument:
		status = http.StatusBadRequest
	case codes.PermissionDenied:
		status = http.StatusForbidden
	case codes.FailedPrecondition:
		status = http.StatusConflict
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code.String()})
}
