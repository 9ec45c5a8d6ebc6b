package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ontask-platform/ontask/internal/action"
	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/formula"
	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/plugin"
	"github.com/ontask-platform/ontask/internal/scheduler"
	"github.com/ontask-platform/ontask/internal/transfer"
	"github.com/ontask-platform/ontask/internal/types"
	"github.com/ontask-platform/ontask/internal/workspace"
)

// statusFor maps the domain error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrNoWorkflow),
		errors.Is(err, workspace.ErrRowNotFound),
		errors.Is(err, action.ErrNoAction),
		errors.Is(err, scheduler.ErrNoScheduledItem),
		errors.Is(err, plugin.ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, action.ErrServeDisabled):
		return http.StatusForbidden
	case errors.Is(err, workspace.ErrLockContention):
		return http.StatusLocked
	case errors.Is(err, workspace.ErrColumnExists),
		errors.Is(err, workspace.ErrRowNotUnique),
		errors.Is(err, workspace.ErrMergeKeyNotUnique),
		errors.Is(err, condition.ErrDuplicateFilter):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrIllegalName),
		errors.Is(err, workspace.ErrEmptyWorkflow),
		errors.Is(err, workspace.ErrUnknownColumn),
		errors.Is(err, workspace.ErrDataFrameNoKey),
		errors.Is(err, workspace.ErrMergeKeyMissing),
		errors.Is(err, workspace.ErrMergeIncompatible),
		errors.Is(err, workspace.ErrMergeHow),
		errors.Is(err, frame.ErrDuplicatedColumns),
		errors.Is(err, frame.ErrRaggedRows),
		errors.Is(err, frame.ErrUnknownColumn),
		errors.Is(err, formula.ErrInvalidFormula),
		errors.Is(err, formula.ErrUnknownVariable),
		errors.Is(err, types.ErrCoerce),
		errors.Is(err, types.ErrIncompatibleTypes),
		errors.Is(err, scheduler.ErrScheduleInvalid),
		errors.Is(err, plugin.ErrPluginParams),
		errors.Is(err, plugin.ErrPluginSchema),
		errors.Is(err, transfer.ErrTransfer):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *httpHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
