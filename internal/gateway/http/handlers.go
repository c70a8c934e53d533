package http

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/engine"
	"github.com/conduitmcp/conduit/internal/storage/search"
	"github.com/conduitmcp/conduit/pkg/types"
)

// Handler handles HTTP requests
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a new handler
func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

func errorJSON(c fiber.Ctx, status int, message, code string) error {
	return c.Status(status).JSON(types.ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
	})
}

// statusForCallError maps typed call errors to HTTP status codes.
func statusForCallError(err error) int {
	var notFound *types.ToolNotFoundError
	var connErr *types.ConnectionError
	var timeout *types.RequestTimeoutError

	switch {
	case errors.As(err, &notFound):
		return fiber.StatusNotFound
	case errors.As(err, &timeout):
		return fiber.StatusGatewayTimeout
	case errors.As(err, &connErr), errors.Is(err, types.ErrConnectionClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// GetCatalog handles GET /api/v1/catalog
func (h *Handler) GetCatalog(c fiber.Ctx) error {
	if c.Query("refresh") == "true" {
		return c.JSON(h.engine.RefreshCatalog(c.Context()))
	}
	return c.JSON(h.engine.Catalog())
}

// ListServers handles GET /api/v1/servers
func (h *Handler) ListServers(c fiber.Ctx) error {
	health := h.engine.AllHealth()
	return c.JSON(fiber.Map{
		"servers": health,
		"total":   len(health),
	})
}

// GetServerHealth handles GET /api/v1/servers/:id/health
func (h *Handler) GetServerHealth(c fiber.Ctx) error {
	id := c.Params("id")

	health, ok := h.engine.Health(id)
	if !ok {
		return errorJSON(c, fiber.StatusNotFound, "Server not found", "not_found")
	}

	resp := fiber.Map{"health": health}

	if limitStr := c.Query("history"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return errorJSON(c, fiber.StatusBadRequest, "Invalid history limit", "bad_request")
		}
		history, err := h.engine.HealthHistory(c.Context(), id, limit)
		if err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, err.Error(), "internal_error")
		}
		resp["history"] = history
	}

	return c.JSON(resp)
}

// ReconnectServer handles POST /api/v1/servers/:id/reconnect
func (h *Handler) ReconnectServer(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.engine.Reconnect(c.Context(), id); err != nil {
		log.Warn().Err(err).Str("server", id).Msg("Manual reconnect failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true, "server": id})
}

// CallTool handles POST /api/v1/tools/call
func (h *Handler) CallTool(c fiber.Ctx) error {
	var req types.CallToolRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body", "bad_request")
	}

	if req.Server == "" || req.Tool == "" {
		return errorJSON(c, fiber.StatusBadRequest, "server and tool are required", "validation_error")
	}

	h.engine.Collector().StartCall()
	defer h.engine.Collector().EndCall()

	resp, err := h.engine.CallTool(c.Context(), req)
	if err != nil {
		return c.Status(statusForCallError(err)).JSON(resp)
	}

	log.Info().
		Str("server", req.Server).
		Str("tool", req.Tool).
		Int64("duration_ms", resp.Duration).
		Msg("Tool called via API")

	return c.JSON(resp)
}

// Query handles POST /api/v1/query
func (h *Handler) Query(c fiber.Ctx) error {
	var req types.QueryRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body", "bad_request")
	}

	if strings.TrimSpace(req.Text) == "" {
		return errorJSON(c, fiber.StatusBadRequest, "query text is required", "validation_error")
	}

	resp, err := h.engine.Query(c.Context(), req)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error(), "routing_error")
	}

	return c.JSON(resp)
}

// Search handles GET /api/v1/search
func (h *Handler) Search(c fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return errorJSON(c, fiber.StatusBadRequest, "q parameter is required", "validation_error")
	}

	// scope=servers fans out to the connected servers' own search tools
	if c.Query("scope") == "servers" {
		results := h.engine.SearchServers(c.Context(), query)
		return c.JSON(fiber.Map{"results": results, "total": len(results)})
	}

	if !h.engine.HasSearchIndex() {
		return errorJSON(c, fiber.StatusServiceUnavailable, "search index not configured", "search_unavailable")
	}

	params := search.SearchParams{
		Query:    query,
		ServerID: c.Query("server"),
	}
	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			params.Page = p
		}
	}
	if pageSize := c.Query("page_size"); pageSize != "" {
		if ps, err := strconv.Atoi(pageSize); err == nil && ps > 0 {
			params.PageSize = ps
		}
	}

	result, err := h.engine.SearchIndex(c.Context(), params)
	if err != nil {
		return errorJSON(c, fiber.StatusBadGateway, err.Error(), "search_error")
	}

	return c.JSON(result)
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(c fiber.Ctx) error {
	return c.JSON(h.engine.Stats())
}

// ListCallEvents handles GET /api/v1/stats/calls. Serves the persisted
// per-call events for one day, today by default.
func (h *Handler) ListCallEvents(c fiber.Ctx) error {
	day := c.Query("day")
	if day == "" {
		day = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "day must be YYYY-MM-DD", "validation_error")
	}

	events, err := h.engine.CallEvents(c.Context(), day)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err.Error(), "storage_error")
	}
	if events == nil {
		events = []*types.CallEvent{}
	}

	return c.JSON(fiber.Map{"day": day, "events": events, "total": len(events)})
}

// HealthCheck handles GET /api/v1/health
func (h *Handler) HealthCheck(c fiber.Ctx) error {
	health := h.engine.AllHealth()

	connected := 0
	for _, record := range health {
		if record.Connected {
			connected++
		}
	}

	status := "ok"
	code := fiber.StatusOK
	if len(health) > 0 && connected == 0 {
		status = "down"
		code = fiber.StatusServiceUnavailable
	} else if connected < len(health) {
		status = "degraded"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"servers":   len(health),
		"connected": connected,
	})
}

// ReadinessProbe handles GET /api/v1/ready
func (h *Handler) ReadinessProbe(c fiber.Ctx) error {
	health := h.engine.AllHealth()

	// Ready once at least one server answers, or when none are configured.
	if len(health) == 0 {
		return c.JSON(fiber.Map{"ready": true})
	}
	for _, record := range health {
		if record.Connected {
			return c.JSON(fiber.Map{"ready": true})
		}
	}

	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ready": false})
}

// LivenessProbe handles GET /api/v1/alive
func (h *Handler) LivenessProbe(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"alive": true})
}
