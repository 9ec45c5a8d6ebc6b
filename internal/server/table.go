package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/workspace"
)

type workflowPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Timezone    string `json:"timezone"`
}

func (h *httpHandler) handleCreateWorkflow(c *gin.Context) {
	var request workflowPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	wf := &workspace.Workflow{
		Owner:       c.GetString(userContextKey),
		Name:        request.Name,
		Description: request.Description,
		Timezone:    request.Timezone,
	}
	if err := h.store.Create(wf); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, workflowResponse(wf))
}

func (h *httpHandler) handleGetWorkflow(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, workflowResponse(wf))
}

func (h *httpHandler) handleDeleteWorkflow(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	if err := h.store.Delete(wf.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func workflowResponse(wf *workspace.Workflow) gin.H {
	columns := make([]gin.H, 0, len(wf.Columns))
	for _, column := range wf.Columns {
		columns = append(columns, gin.H{
			"name":     column.Name,
			"type":     column.ColType,
			"position": column.Position,
			"is_key":   column.IsKey,
		})
	}
	return gin.H{
		"id":          wf.ID,
		"name":        wf.Name,
		"description": wf.Description,
		"timezone":    wf.Timezone,
		"row_count":   wf.RowCount,
		"has_table":   wf.HasDataTable,
		"columns":     columns,
	}
}

func (h *httpHandler) handleGetTable(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	if !wf.HasDataTable {
		c.JSON(http.StatusOK, gin.H{"data": json.RawMessage("[]")})
		return
	}
	data, err := h.store.Load(wf, nil, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	records, err := data.MarshalRecords()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": json.RawMessage(records)})
}

type tablePayload struct {
	Data json.RawMessage `json:"data"`
}

func (h *httpHandler) handleCreateTable(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	if wf.HasDataTable {
		c.JSON(http.StatusConflict, gin.H{"error": "table already exists"})
		return
	}
	h.installTable(c, wf)
}

func (h *httpHandler) handleReplaceTable(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	h.installTable(c, wf)
}

func (h *httpHandler) installTable(c *gin.Context, wf *workspace.Workflow) {
	var request tablePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	data, err := frame.FromRecords(request.Data, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_records"})
		return
	}
	if err := h.store.Replace(wf, data); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, workflowResponse(wf))
}

func (h *httpHandler) handleFlushTable(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	if err := h.store.Flush(wf); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleMergeInfo reports what a merge can target: current columns and the
// key candidates on the stored side.
func (h *httpHandler) handleMergeInfo(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	keys := make([]string, 0, len(wf.Columns))
	columns := make([]string, 0, len(wf.Columns))
	for _, column := range wf.Columns {
		columns = append(columns, column.Name)
		if column.IsKey {
			keys = append(keys, column.Name)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"columns":     columns,
		"keys":        keys,
		"how_options": []string{"left", "right", "outer", "inner"},
	})
}

type mergePayload struct {
	How     string          `json:"how"`
	DstKey  string          `json:"dst_key"`
	SrcKey  string          `json:"src_key"`
	Overlap string          `json:"overlap"`
	Data    json.RawMessage `json:"data"`
}

func (h *httpHandler) handleMerge(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	var request mergePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	src, err := frame.FromRecords(request.Data, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_records"})
		return
	}
	plan := workspace.MergePlan{
		How:     workspace.MergeHow(request.How),
		DstKey:  request.DstKey,
		SrcKey:  request.SrcKey,
		Overlap: workspace.OverlapPolicy(request.Overlap),
	}
	if err := h.store.Merge(wf, src, plan); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, workflowResponse(wf))
}

func (h *httpHandler) loadWorkflow(c *gin.Context) (*workspace.Workflow, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workflow_id"})
		return nil, false
	}
	wf, err := h.store.Get(uint(id))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return wf, true
}
