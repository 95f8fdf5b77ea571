package handler

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/pkg/errors"
	"github.com/tile-engine/internal/pkg/utils"
	"github.com/tile-engine/internal/pkg/validator"
	"github.com/tile-engine/internal/usecase"
	"github.com/tile-engine/internal/usecase/dto"
)

var errInvalidCoordinate = errors.ErrInvalidTileCoordinates

// TileHandler - vector tile request handler
type TileHandler struct {
	tileUC *usecase.TileUseCase
	logger *zap.Logger
}

// NewTileHandler - create a new TileHandler
func NewTileHandler(tileUC *usecase.TileUseCase, logger *zap.Logger) *TileHandler {
	return &TileHandler{
		tileUC: tileUC,
		logger: logger,
	}
}

// GetTile godoc
// @Summary Get one vector tile for a dataset
// @Produce application/vnd.mapbox-vector-tile
// @Param dataset path string true "Dataset name (parking_tickets, red_light_cameras, speed_cameras)"
// @Param z path int true "Zoom level"
// @Param x path int true "Tile X coordinate"
// @Param y path int true "Tile Y coordinate"
// @Success 200 {file} byte "Gzipped MVT payload"
// @Success 204 "No features in this tile"
// @Router /api/v1/tiles/{dataset}/{z}/{x}/{y}.pbf [get]
func (h *TileHandler) GetTile(c *fiber.Ctx) error {
	dataset := c.Params("dataset")

	coord, err := parseCoordinate(c)
	if err != nil {
		return utils.SendError(c, err)
	}

	tiles, err := h.tileUC.FetchBatch(c.Context(), dataset, []domain.TileCoordinate{coord})
	if err != nil {
		h.logger.Error("Failed to get tile",
			zap.String("dataset", dataset),
			zap.Int("z", coord.Z), zap.Int("x", coord.X), zap.Int("y", coord.Y),
			zap.Error(err))
		return utils.SendError(c, err)
	}

	if len(tiles) == 0 || len(tiles[0]) == 0 {
		// Valid empty result: no content, short cache lifetime.
		c.Set("Cache-Control", "public, max-age=60")
		return c.SendStatus(fiber.StatusNoContent)
	}

	c.Set("Content-Type", "application/vnd.mapbox-vector-tile")
	c.Set("Content-Encoding", "gzip")
	c.Set("Cache-Control", "public, max-age=86400, immutable")
	return c.Send(tiles[0])
}

// GetTileBatch godoc
// @Summary Get several tiles of one dataset in a single call
// @Accept json
// @Produce json
// @Param dataset path string true "Dataset name"
// @Param request body dto.BatchTilesRequest true "Tile coordinates"
// @Router /api/v1/tiles/{dataset}/batch [post]
func (h *TileHandler) GetTileBatch(c *fiber.Ctx) error {
	dataset := c.Params("dataset")

	var req dto.BatchTilesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := validator.Validate(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	coords := make([]domain.TileCoordinate, len(req.Tiles))
	for i, t := range req.Tiles {
		coords[i] = domain.TileCoordinate{Z: t.Z, X: t.X, Y: t.Y}
	}

	tiles, err := h.tileUC.FetchBatch(c.Context(), dataset, coords)
	if err != nil {
		h.logger.Error("Failed to get tile batch",
			zap.String("dataset", dataset),
			zap.Int("count", len(coords)),
			zap.Error(err))
		return utils.SendError(c, err)
	}

	results := make([]dto.BatchTileResult, len(coords))
	for i, coord := range coords {
		results[i] = dto.BatchTileResult{
			Z: coord.Z, X: coord.X, Y: coord.Y,
			Data: tiles[i],
		}
	}
	return utils.SendSuccess(c, results, &utils.Meta{Total: len(results)})
}

// GetFilteredTile godoc
// @Summary Get one date-filtered tile rendered directly from the base table
// @Description Slower ad-hoc path bypassing the precomputed fragment tables.
// @Produce application/vnd.mapbox-vector-tile
// @Param dataset path string true "Dataset name"
// @Param from query string false "Start date (YYYY-MM-DD)"
// @Param to query string false "End date (YYYY-MM-DD)"
// @Router /api/v1/tiles/{dataset}/filtered/{z}/{x}/{y}.pbf [get]
func (h *TileHandler) GetFilteredTile(c *fiber.Ctx) error {
	dataset := c.Params("dataset")

	coord, err := parseCoordinate(c)
	if err != nil {
		return utils.SendError(c, err)
	}

	var filter domain.TileFilter
	if from := c.Query("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid from date"})
		}
		filter.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "Invalid to date"})
		}
		filter.To = t
	}

	tile, err := h.tileUC.FetchFiltered(c.Context(), dataset, coord, filter)
	if err != nil {
		h.logger.Error("Failed to get filtered tile",
			zap.String("dataset", dataset),
			zap.Error(err))
		return utils.SendError(c, err)
	}

	if len(tile) == 0 {
		c.Set("Cache-Control", "public, max-age=60")
		return c.SendStatus(fiber.StatusNoContent)
	}

	c.Set("Content-Type", "application/vnd.mapbox-vector-tile")
	c.Set("Cache-Control", "public, max-age=300")
	return c.Send(tile)
}

func parseCoordinate(c *fiber.Ctx) (domain.TileCoordinate, error) {
	var coord domain.TileCoordinate
	var err error

	if coord.Z, err = strconv.Atoi(c.Params("z")); err != nil {
		return coord, errInvalidCoordinate
	}
	if coord.X, err = strconv.Atoi(c.Params("x")); err != nil {
		return coord, errInvalidCoordinate
	}
	if coord.Y, err = strconv.Atoi(c.Params("y")); err != nil {
		return coord, errInvalidCoordinate
	}
	return coord, nil
}
