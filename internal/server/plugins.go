package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ontask-platform/ontask/internal/plugin"
)

type pluginRunPayload struct {
	MergeKey     string         `json:"merge_key"`
	InputColumns []string       `json:"input_columns"`
	Params       map[string]any `json:"params"`
}

func (h *httpHandler) handleListPlugins(c *gin.Context) {
	names := h.registry.Names()
	listed := make([]gin.H, 0, len(names))
	for _, name := range names {
		transformer, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		parameters := make([]gin.H, 0, len(transformer.Parameters()))
		for _, param := range transformer.Parameters() {
			parameters = append(parameters, gin.H{
				"name":           param.Name,
				"type":           param.Type,
				"allowed_values": param.AllowedValues,
				"default":        param.Default,
				"help":           param.Help,
			})
		}
		listed = append(listed, gin.H{
			"name":           transformer.Name(),
			"description":    transformer.Description(),
			"input_columns":  transformer.InputColumns(),
			"output_columns": transformer.OutputColumns(),
			"parameters":     parameters,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plugins": listed})
}

func (h *httpHandler) handleRunPlugin(c *gin.Context) {
	wf, ok := h.loadWorkflow(c)
	if !ok {
		return
	}
	var payload pluginRunPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	err := h.plugins.Execute(c.Request.Context(), wf, plugin.ExecuteRequest{
		Plugin:       c.Param("name"),
		MergeKey:     payload.MergeKey,
		InputColumns: payload.InputColumns,
		Params:       payload.Params,
		Owner:        c.GetString(userContextKey),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "done"})
}
