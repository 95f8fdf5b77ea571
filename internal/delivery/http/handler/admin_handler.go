package handler

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/pkg/utils"
	"github.com/tile-engine/internal/usecase"
)

// AdminHandler - dataset listing and fragment statistics
type AdminHandler struct {
	tileUC *usecase.TileUseCase
	logger *zap.Logger
}

// NewAdminHandler - create a new AdminHandler
func NewAdminHandler(tileUC *usecase.TileUseCase, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		tileUC: tileUC,
		logger: logger,
	}
}

// GetDatasets godoc
// @Summary List served datasets
// @Produce json
// @Router /api/v1/datasets [get]
func (h *AdminHandler) GetDatasets(c *fiber.Ctx) error {
	return utils.SendSuccess(c, domain.DatasetNames(), nil)
}

// GetStats godoc
// @Summary Per-dataset precomputed fragment counts
// @Produce json
// @Router /api/v1/stats [get]
func (h *AdminHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.tileUC.Stats(c.Context())
	if err != nil {
		h.logger.Error("Failed to collect fragment stats", zap.Error(err))
		return utils.SendError(c, err)
	}
	return utils.SendSuccess(c, stats, nil)
}
