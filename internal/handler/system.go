package handler

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/orchestrator"
	"github.com/storyreel/api/pkg/response"
)

// SystemHandler exposes engine liveness and local resource pressure
type SystemHandler struct {
	engine  client.Engine
	monitor *orchestrator.ResourceMonitor
}

func NewSystemHandler(engine client.Engine, monitor *orchestrator.ResourceMonitor) *SystemHandler {
	return &SystemHandler{
		engine:  engine,
		monitor: monitor,
	}
}

// Status handles GET /api/system/status
func (h *SystemHandler) Status(c *fiber.Ctx) error {
	result := &model.SystemStatusResponse{
		EngineReachable: h.engine.Ping(c.Context()),
	}

	if result.EngineReachable {
		if info, err := h.engine.ObjectInfo(c.Context()); err == nil {
			result.NodeTypes = len(info)
		}
	}

	snap, err := h.monitor.Snapshot()
	if err != nil {
		log.Printf("[System] resource snapshot failed: %v", err)
	} else {
		result.Resources = snap
	}

	return response.OK(c, result)
}
