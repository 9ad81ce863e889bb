package api

import (
	"fmt"
	"net/http"

	"mindgraphix/models"
	"mindgraphix/policy"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// OpenChatBody is the body of POST /chats.
type OpenChatBody struct {
	Message string `json:"message"`
}

// OpenChatHandler starts a chat session for the caller.
// @Summary      Open a chat session
// @Tags         Chats
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        chat  body  OpenChatBody  false  "Optional first message"
// @Success      201  {object}  models.ChatSession
// @Router       /chats [post]
func OpenChatHandler(c *gin.Context, d *Deps) {
	var body OpenChatBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}
	user := currentUser(c)
	chat, err := d.Store.OpenChatSession(user.ID, user.Name, body.Message)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, chat.Revision)
	c.JSON(http.StatusCreated, chat)
}

// ListChatsHandler lists chat sessions, the caller's own unless they hold chats:manage.
// @Summary      List chat sessions
// @Tags         Chats
// @Produce      json
// @Security     BearerAuth
// @Param        status     query  string  false  "active or closed"
// @Param        client_id  query  string  false  "Client filter (staff only)"
// @Param        page       query  int     false  "1-based page"
// @Param        limit      query  int     false  "Page size"
// @Success      200  {object}  db.Page[models.ChatSession]
// @Router       /chats [get]
func ListChatsHandler(c *gin.Context, d *Deps) {
	clientID := c.Query("client_id")
	if !hasCapability(c, d, policy.ChatsManage) {
		clientID = currentUser(c).ID
	}
	page, err := d.Store.ListChatSessions(clientID, models.ChatStatus(c.Query("status")), listOptions(c))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func loadChat(c *gin.Context, d *Deps) (models.ChatSession, bool) {
	chat, err := d.Store.GetChatSession(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return chat, false
	}
	if chat.ClientID != currentUser(c).ID && !hasCapability(c, d, policy.ChatsManage) {
		utils.GinNotFound(c, "chat session not found")
		return chat, false
	}
	return chat, true
}

// GetChatHandler returns one chat session with its messages.
// @Summary      Get a chat session
// @Tags         Chats
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "Chat ID"
// @Success      200  {object}  models.ChatSession
// @Failure      404  {object}  utils.APIError
// @Router       /chats/{id} [get]
func GetChatHandler(c *gin.Context, d *Deps) {
	chat, ok := loadChat(c, d)
	if !ok {
		return
	}
	setETag(c, chat.Revision)
	c.JSON(http.StatusOK, chat)
}

// ChatMessageBody is the body of POST /chats/{id}/messages.
type ChatMessageBody struct {
	Text string `json:"text" binding:"required"`
}

// AppendChatMessageHandler posts a message to a chat session.
// @Summary      Send a chat message
// @Tags         Chats
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id        path    string           true   "Chat ID"
// @Param        If-Match  header  string           false  "Expected revision, quoted"
// @Param        message   body    ChatMessageBody  true   "Message text"
// @Success      201  {object}  models.ChatSession
// @Failure      404  {object}  utils.APIError
// @Failure      422  {object}  utils.APIError "Chat is closed"
// @Router       /chats/{id}/messages [post]
func AppendChatMessageHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	var body ChatMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if _, ok := loadChat(c, d); !ok {
		return
	}
	user := currentUser(c)
	chat, err := d.Store.AppendChatMessage(c.Param("id"), models.ChatMessage{
		SenderID:   user.ID,
		SenderName: user.Name,
		SenderRole: utils.CurrentTier(c),
		Text:       body.Text,
	}, rev)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, chat.Revision)
	c.JSON(http.StatusCreated, chat)
}

// CloseChatHandler closes a chat session. Closing twice is harmless.
// @Summary      Close a chat session
// @Tags         Chats
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "Chat ID"
// @Success      200  {object}  models.ChatSession
// @Failure      404  {object}  utils.APIError
// @Router       /chats/{id}/close [post]
func CloseChatHandler(c *gin.Context, d *Deps) {
	if _, ok := loadChat(c, d); !ok {
		return
	}
	chat, err := d.Store.CloseChatSession(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, chat.Revision)
	c.JSON(http.StatusOK, chat)
}

// DeleteChatHandler removes a chat session.
// @Summary      Delete a chat session
// @Tags         Chats
// @Security     BearerAuth
// @Param        id  path  string  true  "Chat ID"
// @Success      204
// @Failure      404  {object}  utils.APIError
// @Router       /chats/{id} [delete]
func DeleteChatHandler(c *gin.Context, d *Deps) {
	if err := d.Store.DeleteChatSession(c.Param("id")); err != nil {
		GinStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
