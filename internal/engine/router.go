package engine

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the propagation API under /api. authMW guards every
// route; manageMW additionally guards relation changes.
func RegisterRoutes(app *fiber.App, h *Handler, authMW, manageMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Post("/events", h.Propagate)
	api.Get("/propagations/:eventId", h.Deliveries)

	api.Get("/relations", h.ListRelations)
	api.Post("/relations/preview", h.Preview)
	api.Post("/relations", manageMW, h.CreateRelation)
	api.Delete("/relations/:id", manageMW, h.DeleteRelation)
}
