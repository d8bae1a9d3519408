package instrument

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"arc-sync/internal/store"
)

const eventSelect = "SELECT id, trace_id, span_id, parent_span_id, event_type, source, component, action, entity, record_id, user_id, duration_ms, status, metadata, created_at FROM _events"

// EventHandler exposes recorded spans over REST.
type EventHandler struct {
	store *store.Store
}

func NewEventHandler(s *store.Store) *EventHandler {
	return &EventHandler{store: s}
}

// List handles GET /api/_events with equality filters and pagination.
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()

	var conditions []string
	for _, col := range []string{"source", "component", "action", "entity", "record_id", "trace_id", "status"} {
		if v := c.Query(col); v != "" {
			conditions = append(conditions, fmt.Sprintf("%s = %s", col, pb.Add(v)))
		}
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	total, err := store.Count(ctx, h.store.DB, "SELECT COUNT(*) FROM _events"+whereClause, pb.Params()...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}

	limit := pb.Add(perPage)
	offset := pb.Add((page - 1) * perPage)
	dataSQL := fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT %s OFFSET %s", eventSelect, whereClause, limit, offset)
	rows, err := store.QueryRows(ctx, h.store.DB, dataSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrace handles GET /api/_events/trace/:traceId.
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	traceID := c.Params("traceId")
	pb := h.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(c.UserContext(), h.store.DB,
		fmt.Sprintf("%s WHERE trace_id = %s ORDER BY created_at ASC", eventSelect, pb.Add(traceID)),
		pb.Params()...,
	)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	var root map[string]any
	for _, row := range rows {
		if row["parent_span_id"] == nil {
			root = row
			break
		}
	}
	if root == nil {
		root = rows[0]
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         root,
			"spans":             rows,
			"total_duration_ms": root["duration_ms"],
		},
	})
}

// RegisterEventRoutes mounts the event endpoints behind the given middleware.
func RegisterEventRoutes(app *fiber.App, h *EventHandler, middleware ...fiber.Handler) {
	mw := middleware[:len(middleware):len(middleware)]
	app.Get("/api/_events", append(mw, h.List)...)
	app.Get("/api/_events/trace/:traceId", append(mw, h.GetTrace)...)
}
