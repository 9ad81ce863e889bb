package api

import (
	"fmt"
	"net/http"
	"strings"

	"mindgraphix/db"
	"mindgraphix/models"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// NotificationList is a recipient's inbox.
type NotificationList struct {
	Items  []models.Notification `json:"items"`
	Unread int                   `json:"unread"`
}

func listInbox(c *gin.Context, d *Deps, recipient string) {
	unreadOnly := c.Query("unread") == "true"
	items := d.Store.ListNotifications(recipient, unreadOnly)
	c.JSON(http.StatusOK, NotificationList{Items: items, Unread: d.Store.UnreadCount(recipient)})
}

func markRead(c *gin.Context, d *Deps, recipient string) {
	n, err := d.Store.MarkNotificationRead(recipient, c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func markAllRead(c *gin.Context, d *Deps, recipient string) {
	marked, err := d.Store.MarkAllNotificationsRead(recipient)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

// ListNotificationsHandler returns the caller's notifications, newest first.
// @Summary      List my notifications
// @Tags         Notifications
// @Produce      json
// @Security     BearerAuth
// @Param        unread  query  bool  false  "Only unread"
// @Success      200  {object}  NotificationList
// @Router       /notifications [get]
func ListNotificationsHandler(c *gin.Context, d *Deps) {
	listInbox(c, d, currentUser(c).Email)
}

// MarkNotificationReadHandler flags one of the caller's notifications.
// @Summary      Mark a notification read
// @Tags         Notifications
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "Notification ID"
// @Success      200  {object}  models.Notification
// @Failure      404  {object}  utils.APIError
// @Router       /notifications/{id}/read [post]
func MarkNotificationReadHandler(c *gin.Context, d *Deps) {
	markRead(c, d, currentUser(c).Email)
}

// MarkAllNotificationsReadHandler flags every notification of the caller.
// @Summary      Mark all my notifications read
// @Tags         Notifications
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  map[string]int
// @Router       /notifications/read-all [post]
func MarkAllNotificationsReadHandler(c *gin.Context, d *Deps) {
	markAllRead(c, d, currentUser(c).Email)
}

// DeleteNotificationHandler removes one of the caller's notifications.
// @Summary      Delete a notification
// @Tags         Notifications
// @Security     BearerAuth
// @Param        id  path  string  true  "Notification ID"
// @Success      204
// @Router       /notifications/{id} [delete]
func DeleteNotificationHandler(c *gin.Context, d *Deps) {
	if err := d.Store.DeleteNotification(currentUser(c).Email, c.Param("id")); err != nil {
		GinStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Admin partition ---

// ListAdminNotificationsHandler returns the shared admin inbox.
// @Summary      List admin notifications
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        unread  query  bool  false  "Only unread"
// @Success      200  {object}  NotificationList
// @Router       /admin/notifications [get]
func ListAdminNotificationsHandler(c *gin.Context, d *Deps) {
	listInbox(c, d, db.AdminRecipient)
}

// MarkAdminNotificationReadHandler flags one admin notification.
// @Summary      Mark an admin notification read
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "Notification ID"
// @Success      200  {object}  models.Notification
// @Failure      404  {object}  utils.APIError
// @Router       /admin/notifications/{id}/read [post]
func MarkAdminNotificationReadHandler(c *gin.Context, d *Deps) {
	markRead(c, d, db.AdminRecipient)
}

// MarkAllAdminNotificationsReadHandler flags the whole admin inbox.
// @Summary      Mark all admin notifications read
// @Tags         Admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  map[string]int
// @Router       /admin/notifications/read-all [post]
func MarkAllAdminNotificationsReadHandler(c *gin.Context, d *Deps) {
	markAllRead(c, d, db.AdminRecipient)
}

// SendNotificationBody is the body of POST /admin/notifications.
type SendNotificationBody struct {
	Recipient string `json:"recipient" binding:"required"`
	Type      string `json:"type"`
	Title     string `json:"title" binding:"required"`
	Message   string `json:"message"`
}

// SendNotificationHandler delivers a notification to one user or to the
// admin inbox ("admin").
// @Summary      Send a notification
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        notification  body  SendNotificationBody  true  "Recipient email or admin"
// @Success      201  {object}  models.Notification
// @Failure      400  {object}  utils.APIError
// @Failure      404  {object}  utils.APIError "No such user"
// @Router       /admin/notifications [post]
func SendNotificationHandler(c *gin.Context, d *Deps) {
	var body SendNotificationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	recipient := strings.TrimSpace(body.Recipient)
	if recipient != db.AdminRecipient {
		if _, err := d.Store.GetUserByEmail(recipient); err != nil {
			GinStoreError(c, err)
			return
		}
	}
	kind := body.Type
	if kind == "" {
		kind = "message"
	}
	n, err := d.Store.Notify(recipient, kind, body.Title, body.Message)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}
