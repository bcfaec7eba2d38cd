package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/lifecycle"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/middleware"
	"github.com/imyashkale/mcphost/internal/models"
)

// currentUser returns the authenticated user or writes a 401
func currentUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Error:   "unauthorized",
			Message: "User ID not found in context",
		})
		return "", false
	}
	return userID, true
}

var kindStatus = map[lifecycle.Kind]int{
	lifecycle.KindCapacity:  http.StatusTooManyRequests,
	lifecycle.KindConflict:  http.StatusConflict,
	lifecycle.KindNotFound:  http.StatusNotFound,
	lifecycle.KindForbidden: http.StatusForbidden,
	lifecycle.KindInvalid:   http.StatusBadRequest,
	lifecycle.KindTimeout:   http.StatusGatewayTimeout,
	lifecycle.KindInternal:  http.StatusInternalServerError,
}

// respondOperationError maps a lifecycle error to its HTTP status. Internal
// details are logged, not returned.
func respondOperationError(c *gin.Context, err error) {
	kind := lifecycle.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Instance operation failed")
		message = "Instance operation failed"
	}
	c.JSON(status, models.ErrorResponse{Error: string(kind), Message: message})
}
