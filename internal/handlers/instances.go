package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/lifecycle"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/process"
	"github.com/imyashkale/mcphost/internal/repository"
)

// InstanceService runs lifecycle operations. Implemented by *lifecycle.Orchestrator.
type InstanceService interface {
	CreateInstance(ctx context.Context, p lifecycle.CreateParams) (*models.Instance, error)
	DeleteInstance(ctx context.Context, id, userID string) error
	Restart(ctx context.Context, id, userID string) (*models.Instance, error)
}

// InstanceReader reads instance records
type InstanceReader interface {
	Get(ctx context.Context, id string) (*models.Instance, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Instance, error)
}

// OutputReader returns the recent output of an instance's process
type OutputReader interface {
	Output(instanceID string) ([]process.OutputLine, bool, bool)
}

var (
	_ InstanceService = (*lifecycle.Orchestrator)(nil)
	_ OutputReader    = (*process.Manager)(nil)
)

// InstanceHandler handles instance provisioning requests
type InstanceHandler struct {
	svc     InstanceService
	repo    InstanceReader
	outputs OutputReader
	now     func() time.Time
}

// NewInstanceHandler creates a new instance handler
func NewInstanceHandler(svc InstanceService, repo InstanceReader, outputs OutputReader) *InstanceHandler {
	return &InstanceHandler{svc: svc, repo: repo, outputs: outputs, now: time.Now}
}

// Create provisions an instance for the authenticated user
// POST /api/v1/instances
func (h *InstanceHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
		})
		return
	}
	if req.ExpiresIn < 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "bad_request",
			Message: "expires_in must not be negative",
		})
		return
	}

	params := lifecycle.CreateParams{
		UserID:            userID,
		MCPTypeID:         req.MCPTypeId,
		CustomName:        req.CustomName,
		Config:            req.Config,
		ClientID:          req.ClientId,
		ClientSecret:      req.ClientSecret,
		VendorAccessToken: req.VendorAccessToken,
		RefreshToken:      req.RefreshToken,
		ExpiresAt:         req.ExpiresAt,
	}
	if req.VendorAccessToken != "" && req.ExpiresIn > 0 {
		exp := h.now().Add(time.Duration(req.ExpiresIn) * time.Second)
		params.TokenExpiresAt = &exp
	}

	inst, err := h.svc.CreateInstance(c.Request.Context(), params)
	if err != nil {
		respondOperationError(c, err)
		return
	}

	logger.WithInstance(inst.Id).WithField("user_id", userID).Info("Instance created")

	resp := inst.ToResponse()
	resp.AccessToken = inst.AccessToken
	c.JSON(http.StatusCreated, resp)
}

// List returns the authenticated user's instances
// GET /api/v1/instances
func (h *InstanceHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	instances, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to list instances")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to retrieve instances",
		})
		return
	}

	responses := make([]models.InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		responses = append(responses, inst.ToResponse())
	}

	c.JSON(http.StatusOK, models.InstanceListResponse{
		Instances: responses,
		Total:     len(responses),
	})
}

// Get returns one instance owned by the authenticated user
// GET /api/v1/instances/:id
func (h *InstanceHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, inst.ToResponse())
}

// Logs returns the recent output of the instance's backing process. Output
// of a crashed process stays available until the instance is restarted or
// deleted.
// GET /api/v1/instances/:id/logs
func (h *InstanceHandler) Logs(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	inst, ok := h.ownedInstance(c, userID)
	if !ok {
		return
	}

	resp := models.ProcessOutputResponse{
		InstanceId: inst.Id,
		Lines:      []models.ProcessOutputLine{},
	}
	lines, truncated, _ := h.outputs.Output(inst.Id)
	for _, l := range lines {
		resp.Lines = append(resp.Lines, models.ProcessOutputLine{
			Timestamp: l.Timestamp,
			Stream:    l.Stream,
			Message:   l.Message,
		})
	}
	resp.Truncated = truncated

	c.JSON(http.StatusOK, resp)
}

// ownedInstance loads the :id instance and checks it belongs to userID,
// writing the error response otherwise
func (h *InstanceHandler) ownedInstance(c *gin.Context, userID string) (*models.Instance, bool) {
	inst, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "Instance not found",
			})
			return nil, false
		}
		logger.WithError(err).Error("Failed to get instance")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to retrieve instance",
		})
		return nil, false
	}

	if inst.UserId != userID {
		c.JSON(http.StatusForbidden, models.ErrorResponse{
			Error:   "forbidden",
			Message: "You don't have permission to access this instance",
		})
		return nil, false
	}
	return inst, true
}

// Delete stops and removes an instance
// DELETE /api/v1/instances/:id
func (h *InstanceHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := h.svc.DeleteInstance(c.Request.Context(), id, userID); err != nil {
		respondOperationError(c, err)
		return
	}

	logger.WithInstance(id).WithField("user_id", userID).Info("Instance deleted")
	c.Status(http.StatusNoContent)
}

// Restart replaces the backing process of an instance
// POST /api/v1/instances/:id/restart
func (h *InstanceHandler) Restart(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	inst, err := h.svc.Restart(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondOperationError(c, err)
		return
	}

	c.JSON(http.StatusOK, inst.ToResponse())
}
