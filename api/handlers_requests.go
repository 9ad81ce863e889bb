package api

import (
	"fmt"
	"net/http"

	"mindgraphix/db"
	"mindgraphix/models"
	"mindgraphix/policy"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// CreateRequestBody is the body of POST /requests.
type CreateRequestBody struct {
	Subject  string          `json:"subject" binding:"required"`
	Message  string          `json:"message" binding:"required"`
	Priority models.Priority `json:"priority"`
}

// CreateRequestHandler files a support request for the caller.
// @Summary      Submit a support request
// @Description  Creates a pending request owned by the caller and notifies the admins.
// @Tags         Requests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body  CreateRequestBody  true  "Subject, message and priority (low, medium, high, urgent)"
// @Success      201  {object}  models.Request
// @Failure      400  {object}  utils.APIError
// @Router       /requests [post]
func CreateRequestHandler(c *gin.Context, d *Deps) {
	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	user := currentUser(c)
	req, err := d.Store.CreateRequest(models.Request{
		UserID:   user.ID,
		UserName: user.Name,
		Subject:  body.Subject,
		Message:  body.Message,
		Priority: body.Priority,
	})
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, req.Revision)
	c.JSON(http.StatusCreated, req)
}

// ListRequestsHandler lists requests. Callers without requests:read_all
// only see their own.
// @Summary      List support requests
// @Tags         Requests
// @Produce      json
// @Security     BearerAuth
// @Param        status    query  string  false  "pending, in_progress, resolved or closed"
// @Param        priority  query  string  false  "low, medium, high or urgent"
// @Param        user_id   query  string  false  "Owner filter (staff only)"
// @Param        q         query  []string false "Filters, e.g. subject contains-insensitive logo" collectionFormat(multi)
// @Param        sort      query  string  false  "Field to sort by"
// @Param        order     query  string  false  "asc or desc"
// @Param        page      query  int     false  "1-based page"
// @Param        limit     query  int     false  "Page size"
// @Success      200  {object}  db.Page[models.Request]
// @Router       /requests [get]
func ListRequestsHandler(c *gin.Context, d *Deps) {
	filter := db.RequestFilter{
		UserID:   c.Query("user_id"),
		Status:   models.RequestStatus(c.Query("status")),
		Priority: models.Priority(c.Query("priority")),
	}
	if !hasCapability(c, d, policy.RequestsReadAll) {
		filter.UserID = currentUser(c).ID
	}
	page, err := d.Store.ListRequests(filter, listOptions(c))
	if err != nil {
		GinStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// loadRequest fetches the request in :id and checks the caller may see it.
// Requests owned by someone else read as not found.
func loadRequest(c *gin.Context, d *Deps) (models.Request, bool) {
	req, err := d.Store.GetRequest(c.Param("id"))
	if err != nil {
		GinStoreError(c, err)
		return req, false
	}
	if req.UserID != currentUser(c).ID && !hasCapability(c, d, policy.RequestsReadAll) {
		utils.GinNotFound(c, "request not found")
		return req, false
	}
	return req, true
}

// GetRequestHandler returns one request with its responses.
// @Summary      Get a support request
// @Tags         Requests
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "Request ID"
// @Success      200  {object}  models.Request
// @Failure      404  {object}  utils.APIError
// @Router       /requests/{id} [get]
func GetRequestHandler(c *gin.Context, d *Deps) {
	req, ok := loadRequest(c, d)
	if !ok {
		return
	}
	setETag(c, req.Revision)
	c.JSON(http.StatusOK, req)
}

// ResponseBody is the body of POST /requests/{id}/responses.
type ResponseBody struct {
	Message string `json:"message" binding:"required"`
}

// AddResponseHandler appends a reply to a request.
// @Summary      Reply to a support request
// @Description  Owners and staff may reply. Replies are appended in order and never replace earlier ones. Closed requests take no replies.
// @Tags         Requests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id        path    string        true   "Request ID"
// @Param        If-Match  header  string        false  "Expected revision, quoted"
// @Param        reply     body    ResponseBody  true   "Reply text"
// @Success      201  {object}  models.Request
// @Failure      400  {object}  utils.APIError "Request is closed"
// @Failure      404  {object}  utils.APIError
// @Failure      409  {object}  utils.APIError
// @Router       /requests/{id}/responses [post]
func AddResponseHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	var body ResponseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if _, ok := loadRequest(c, d); !ok {
		return
	}
	user := currentUser(c)
	updated, err := d.Store.AddResponse(c.Param("id"), models.Response{
		AuthorID:   user.ID,
		AuthorName: user.Name,
		AuthorRole: utils.CurrentTier(c),
		Message:    body.Message,
	}, rev)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, updated.Revision)
	c.JSON(http.StatusCreated, updated)
}

// StatusBody is the body of PUT /requests/{id}/status.
type StatusBody struct {
	Status models.RequestStatus `json:"status" binding:"required"`
}

// UpdateRequestStatusHandler moves a request to a new status.
// @Summary      Change request status
// @Description  Closed requests cannot be reopened. The owner is notified and the change is recorded in the admin log.
// @Tags         Requests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id        path    string      true   "Request ID"
// @Param        If-Match  header  string      false  "Expected revision, quoted"
// @Param        status    body    StatusBody  true   "New status"
// @Success      200  {object}  models.Request
// @Failure      404  {object}  utils.APIError
// @Failure      409  {object}  utils.APIError
// @Failure      422  {object}  utils.APIError "Transition not allowed"
// @Router       /requests/{id}/status [put]
func UpdateRequestStatusHandler(c *gin.Context, d *Deps) {
	rev, ok := ifMatch(c)
	if !ok {
		return
	}
	var body StatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.GinBadRequest(c, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	updated, err := d.Store.UpdateRequestStatus(c.Param("id"), body.Status, actorName(c), rev)
	if err != nil {
		GinStoreError(c, err)
		return
	}
	setETag(c, updated.Revision)
	c.JSON(http.StatusOK, updated)
}

// DeleteRequestHandler removes a request.
// @Summary      Delete a support request
// @Tags         Requests
// @Security     BearerAuth
// @Param        id  path  string  true  "Request ID"
// @Success      204
// @Failure      404  {object}  utils.APIError
// @Router       /requests/{id} [delete]
func DeleteRequestHandler(c *gin.Context, d *Deps) {
	if err := d.Store.DeleteRequest(c.Param("id"), actorName(c)); err != nil {
		GinStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
