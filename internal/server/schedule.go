package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ontask-platform/ontask/internal/scheduler"
)

type scheduledPayload struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	ActionID      uint              `json:"action"`
	ItemColumn    string            `json:"item_column"`
	Execute       string            `json:"execute"`
	ExcludeValues []string          `json:"exclude_values"`
	Payload       scheduler.Payload `json:"payload"`
}

func (h *httpHandler) handleListScheduled(c *gin.Context) {
	actionID, err := strconv.ParseUint(c.Query("action"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action_id"})
		return
	}
	items, err := h.schedules.List(uint(actionID))
	if err != nil {
		h.fail(c, err)
		return
	}
	response := make([]gin.H, 0, len(items))
	for i := range items {
		response = append(response, scheduledResponse(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": response})
}

func (h *httpHandler) handleGetScheduled(c *gin.Context) {
	item, ok := h.loadScheduled(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, scheduledResponse(item))
}

func (h *httpHandler) handleCreateScheduled(c *gin.Context) {
	h.saveScheduled(c, &scheduler.ScheduledItem{})
}

func (h *httpHandler) handleUpdateScheduled(c *gin.Context) {
	item, ok := h.loadScheduled(c)
	if !ok {
		return
	}
	h.saveScheduled(c, item)
}

func (h *httpHandler) saveScheduled(c *gin.Context, item *scheduler.ScheduledItem) {
	var request scheduledPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	executeAt, err := time.Parse(time.RFC3339, request.Execute)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_execute_time"})
		return
	}
	item.Name = request.Name
	item.Description = request.Description
	item.ActionID = request.ActionID
	item.ItemColumn = request.ItemColumn
	item.ExecuteAt = executeAt
	item.Owner = c.GetString(userContextKey)
	if err := item.SetExcludeValues(request.ExcludeValues); err != nil {
		h.fail(c, err)
		return
	}
	if err := item.SetPayload(request.Payload); err != nil {
		h.fail(c, err)
		return
	}

	act, err := h.actions.Get(item.ActionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.schedules.Save(item, act); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scheduledResponse(item))
}

func (h *httpHandler) handleDeleteScheduled(c *gin.Context) {
	item, ok := h.loadScheduled(c)
	if !ok {
		return
	}
	if err := h.schedules.Delete(item.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) loadScheduled(c *gin.Context) (*scheduler.ScheduledItem, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return nil, false
	}
	item, err := h.schedules.Get(uint(id))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return item, true
}

func scheduledResponse(item *scheduler.ScheduledItem) gin.H {
	exclude, err := item.ExcludeValues()
	if err != nil {
		exclude = nil
	}
	payload, err := item.DecodePayload()
	if err != nil {
		payload = scheduler.Payload{}
	}
	return gin.H{
		"id":             item.ID,
		"name":           item.Name,
		"description":    item.Description,
		"action":         item.ActionID,
		"item_column":    item.ItemColumn,
		"execute":        item.ExecuteAt.Format(time.RFC3339),
		"status":         item.Status,
		"exclude_values": exclude,
		"payload":        payload,
	}
}
