package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"arc-sync/internal/gateway"
	"arc-sync/internal/instrument"
	"arc-sync/internal/metadata"
	"arc-sync/internal/store"
)

// DeliveryLister reads ledger rows for one event.
type DeliveryLister interface {
	List(ctx context.Context, eventID string) ([]store.Delivery, error)
}

// ModuleSource describes dynamic modules, for checking rule fields against
// their columns.
type ModuleSource interface {
	ModuleFor(ctx context.Context, moduleType string) (*metadata.Module, error)
	Module(ctx context.Context, id string) (*metadata.Module, error)
}

// Handler serves the propagation and relation endpoints.
type Handler struct {
	propagator *Propagator
	deliveries DeliveryLister
	modules    ModuleSource
	dryRun     bool
	logger     *zap.Logger
}

// NewHandler builds the HTTP handler. deliveries and modules may be nil;
// without modules, relation fields are not checked against columns.
func NewHandler(p *Propagator, deliveries DeliveryLister, modules ModuleSource, dryRun bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		propagator: p,
		deliveries: deliveries,
		modules:    modules,
		dryRun:     dryRun,
		logger:     logger,
	}
}

type eventRequest struct {
	EventID    string          `json:"eventId"`
	SourceType string          `json:"sourceType"`
	SourceID   metadata.Value  `json:"sourceId"`
	Record     metadata.Record `json:"record"`
	Old        metadata.Record `json:"old"`
	TargetType string          `json:"targetType"`
	DryRun     *bool           `json:"dryRun"`
}

type previewRequest struct {
	metadata.RelationDraft
	Record metadata.Record `json:"record"`
	Old    metadata.Record `json:"old"`
}

// Propagate handles POST /api/events
func (h *Handler) Propagate(c *fiber.Ctx) error {
	var req eventRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	ev := SourceEvent{
		EventID:    req.EventID,
		SourceType: req.SourceType,
		SourceID:   req.SourceID.Key(),
		Record:     req.Record,
		Old:        req.Old,
		TargetType: req.TargetType,
	}
	if ev.SourceID == "" && ev.Record != nil {
		ev.SourceID = ev.Record.ID()
	}

	var details []ErrorDetail
	if ev.SourceType == "" {
		details = append(details, ErrorDetail{Field: "sourceType", Message: "sourceType is required"})
	}
	if ev.SourceID == "" {
		details = append(details, ErrorDetail{Field: "sourceId", Message: "sourceId is required"})
	}
	if len(details) > 0 {
		return ValidationError(details)
	}

	dryRun := h.dryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	report, err := h.propagator.Propagate(c.UserContext(), ev, dryRun)
	if err != nil {
		if IsStoreFailure(err) {
			return UpstreamError(err)
		}
		return fmt.Errorf("propagate %s/%s: %w", ev.SourceType, ev.SourceID, err)
	}

	h.logger.Info("event propagated",
		zap.String("event_id", report.EventID),
		zap.String("source_type", ev.SourceType),
		zap.String("source_id", ev.SourceID),
		zap.Bool("dry_run", dryRun),
		zap.Int("written", report.Count(store.StatusWritten)),
		zap.Int("failed", report.Count(store.StatusFailed)))

	return c.JSON(fiber.Map{"data": report})
}

// ListRelations handles GET /api/relations
func (h *Handler) ListRelations(c *fiber.Ctx) error {
	rels, err := h.propagator.relations.ListRelations(c.UserContext(), c.Query("sourceType"), c.Query("sourceId"))
	if err != nil {
		return UpstreamError(err)
	}
	if rels == nil {
		rels = []metadata.Relation{}
	}
	return c.JSON(fiber.Map{"data": rels})
}

// CreateRelation handles POST /api/relations
func (h *Handler) CreateRelation(c *fiber.Ctx) error {
	var draft metadata.RelationDraft
	if err := c.BodyParser(&draft); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := draft.Validate(); err != nil {
		return draftError(err)
	}
	if err := h.checkFields(c.UserContext(), &draft); err != nil {
		return draftError(err)
	}

	rel, err := h.propagator.relations.CreateRelation(c.UserContext(), draft)
	if err != nil {
		return UpstreamError(err)
	}

	actor := metadata.Actor(c.UserContext())
	h.logger.Info("relation created",
		zap.String("relation_id", rel.ID),
		zap.String("actor", actor))
	instrument.GetInstrumenter(c.UserContext()).EmitBusinessEvent(c.UserContext(), "relation.created", "relation", rel.ID, map[string]any{
		"source_type": rel.SourceType,
		"target_type": rel.TargetType,
		"scope":       rel.Scope().String(),
		"actor":       actor,
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": rel})
}

// DeleteRelation handles DELETE /api/relations/:id
func (h *Handler) DeleteRelation(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.propagator.relations.DeleteRelation(c.UserContext(), id); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return NotFoundError("relation", id)
		}
		return UpstreamError(err)
	}

	actor := metadata.Actor(c.UserContext())
	h.logger.Info("relation deleted",
		zap.String("relation_id", id),
		zap.String("actor", actor))
	instrument.GetInstrumenter(c.UserContext()).EmitBusinessEvent(c.UserContext(), "relation.deleted", "relation", id, map[string]any{
		"actor": actor,
	})
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

// Preview handles POST /api/relations/preview
func (h *Handler) Preview(c *fiber.Ctx) error {
	var req previewRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	report, err := h.propagator.Preview(c.UserContext(), req.RelationDraft, SourceEvent{
		SourceType: req.SourceType,
		Record:     req.Record,
		Old:        req.Old,
	})
	if err != nil {
		var ve *metadata.ValidationError
		if errors.As(err, &ve) {
			return draftError(err)
		}
		return err
	}
	return c.JSON(fiber.Map{"data": report})
}

// Deliveries handles GET /api/propagations/:eventId
func (h *Handler) Deliveries(c *fiber.Ctx) error {
	eventID := c.Params("eventId")
	rows := []store.Delivery{}
	if h.deliveries != nil {
		list, err := h.deliveries.List(c.UserContext(), eventID)
		if err != nil {
			return fmt.Errorf("list deliveries for %s: %w", eventID, err)
		}
		if list != nil {
			rows = list
		}
	}
	return c.JSON(fiber.Map{"data": rows})
}

// checkFields compares the draft's rule fields with the columns of both
// modules. Module lookups that fail skip the check instead of blocking.
func (h *Handler) checkFields(ctx context.Context, draft *metadata.RelationDraft) error {
	if h.modules == nil {
		return nil
	}
	source := h.describe(ctx, draft.SourceType)
	target := h.describe(ctx, draft.TargetType)
	return draft.CheckFields(source, target)
}

func (h *Handler) describe(ctx context.Context, moduleType string) *metadata.Module {
	m, err := h.modules.ModuleFor(ctx, moduleType)
	if err != nil {
		h.logger.Warn("module lookup failed", zap.String("module_type", moduleType), zap.Error(err))
		return nil
	}
	if m == nil || len(m.Columns) > 0 {
		return m
	}
	full, err := h.modules.Module(ctx, m.ID)
	if err != nil {
		h.logger.Warn("module lookup failed", zap.String("module_type", moduleType), zap.Error(err))
		return nil
	}
	return full
}

func draftError(err error) error {
	var ve *metadata.ValidationError
	if !errors.As(err, &ve) {
		return ValidationError([]ErrorDetail{{Field: "settings", Message: err.Error()}})
	}
	details := make([]ErrorDetail, len(ve.Problems))
	for i, p := range ve.Problems {
		details[i] = ErrorDetail{Message: p}
	}
	return ValidationError(details)
}
