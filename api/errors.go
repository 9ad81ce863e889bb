package api

import (
	"errors"
	"net/http"

	"mindgraphix/blob"
	"mindgraphix/db"
	"mindgraphix/logx"
	"mindgraphix/utils"

	"github.com/gin-gonic/gin"
)

// storeStatus maps store errors to HTTP status codes.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrRevisionConflict), errors.Is(err, db.ErrDuplicateAccount):
		return http.StatusConflict
	case errors.Is(err, db.ErrInvalidTransition), errors.Is(err, db.ErrChatClosed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrValidation), errors.Is(err, db.ErrInvalidKey), errors.Is(err, blob.ErrInvalidKey),
		errors.Is(err, db.ErrUnsupportedFormat), errors.Is(err, db.ErrChecksumMismatch):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, db.ErrReadOnly):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GinStoreError writes err with the status its kind maps to. Internal
// errors are logged and reported without detail.
func GinStoreError(c *gin.Context, err error) {
	status := storeStatus(err)
	if status == http.StatusInternalServerError {
		logx.Error(err, "Store operation failed", "method", c.Request.Method, "path", c.Request.URL.Path)
		utils.GinInternalServerError(c, "internal error")
		return
	}
	var conflict *db.ConflictError
	if errors.As(err, &conflict) && conflict.Current > 0 {
		setETag(c, conflict.Current)
	}
	utils.GinError(c, status, err.Error())
}
