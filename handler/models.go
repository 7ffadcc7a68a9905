package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"swarm/core"
	"swarm/openai"
	"swarm/protocol"
)

// Models serves GET /v1/models.
func (h *ChatHandler) Models(c *gin.Context) {
	models := h.registry.Models(h.defaultModel)
	cards := make([]openai.ModelCard, 0, len(models))
	for _, m := range models {
		cards = append(cards, openai.ModelCard{
			ID:           m.ID,
			Object:       "model",
			OwnedBy:      "organization-owner",
			Architecture: m.Architecture,
			Version:      m.Version,
		})
	}
	c.JSON(http.StatusOK, openai.ModelList{Object: "list", Data: cards})
}

// Nodes serves GET /v1/nodes.
func (h *ChatHandler) Nodes(c *gin.Context) {
	nodes := h.registry.Snapshot()
	if nodes == nil {
		nodes = []core.NodeView{}
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   nodes,
	})
}

// Health serves GET /health.
func (h *ChatHandler) Health(c *gin.Context) {
	online := 0
	for _, n := range h.registry.Snapshot() {
		if n.Status == protocol.StatusOnline {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"nodes":  online,
	})
}
