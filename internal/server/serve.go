package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ontask-platform/ontask/internal/deliver"
)

// handleServeAction resolves one row by (uatn, uatv) and renders the
// action for it.
func (h *httpHandler) handleServeAction(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action_id"})
		return
	}
	keyColumn := c.Query("uatn")
	keyValue := c.Query("uatv")
	if keyColumn == "" || keyValue == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uatn and uatv are required"})
		return
	}

	act, err := h.actions.Get(uint(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	wf, err := h.store.Get(act.WorkflowID)
	if err != nil {
		h.fail(c, err)
		return
	}
	body, fields, err := h.actions.ServeRow(wf, act, keyColumn, keyValue, time.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	if fields != nil {
		c.JSON(http.StatusOK, gin.H{"fields": fields})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
}

// handleTrackPixel increments the read counter identified by the signed
// blob and always answers with the pixel, so a broken blob cannot be
// distinguished from a valid one by the mail client.
func (h *httpHandler) handleTrackPixel(c *gin.Context) {
	blob := c.Query("v")
	if blob != "" && len(h.trackKey) > 0 {
		payload, err := deliver.VerifyTrackPayload(blob, h.trackKey)
		if err == nil {
			if err := h.incrementTrack(payload); err != nil {
				h.logger.Warn("track increment failed", zap.Error(err))
			}
		}
	}
	c.Data(http.StatusOK, "image/png", deliver.PixelPNG)
}

func (h *httpHandler) incrementTrack(payload deliver.TrackPayload) error {
	act, err := h.actions.Get(payload.ActionID)
	if err != nil {
		return err
	}
	wf, err := h.store.Get(act.WorkflowID)
	if err != nil {
		return err
	}
	return deliver.IncrementTrackCount(h.store, wf, payload)
}
