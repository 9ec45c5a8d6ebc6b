package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxImportBytes = 64 << 20

func (h *httpHandler) handleExportWorkflow(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	includeData := c.Query("include_data") != "false"

	var buffer bytes.Buffer
	if err := h.transfer.Export(&buffer, wf, includeData); err != nil {
		h.fail(c, err)
		return
	}
	filename := fmt.Sprintf("workflow_%d.zip", wf.ID)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/zip", buffer.Bytes())
}

func (h *httpHandler) handleImportWorkflow(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	payload, err := h.transfer.Read(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		h.fail(c, err)
		return
	}
	wf, err := h.transfer.Import(payload, c.GetString(userContextKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": wf.ID, "name": wf.Name})
}
