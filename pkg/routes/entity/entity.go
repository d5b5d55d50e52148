package entity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// DefaultActor is recorded on merges requested without a caller identity.
const DefaultActor = "api"

type Handler struct {
	index         *identity.Index
	attributes    *attributes.Service
	relationships store.RelationshipStore
	merger        *merging.Merger
}

func NewHandler(index *identity.Index, attrs *attributes.Service, relationships store.RelationshipStore, merger *merging.Merger) *Handler {
	return &Handler{
		index:         index,
		attributes:    attrs,
		relationships: relationships,
		merger:        merger,
	}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:kind/:id", h.GetEntity)
	g.GET("/:kind/:id/relationships", h.GetRelationships)
	g.GET("/:kind/:id/attributes", h.GetAttributes)
	g.GET("/:kind/:id/attributes/:key", h.GetAttribute)
	g.GET("/:kind/:id/attributes/history/:key", h.GetAttributeHistory)
	g.POST("/:kind/:id/merge", h.Merge)
}

// EntityResponse is a canonical entity and the ids followed to reach it.
type EntityResponse struct {
	Entity       *models.Entity `json:"entity"`
	RedirectPath []string       `json:"redirect_path"`
}

// GetEntity follows merge redirects from the requested id to the canonical
// entity.
func (h *Handler) GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := utils.KindParam(c)
	if err != nil {
		return err
	}

	path, entity, err := h.index.RedirectPath(ctx, kind, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EntityResponse{Entity: entity, RedirectPath: path})
}

// GetRelationships lists the live edges touching the canonical entity.
func (h *Handler) GetRelationships(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := utils.KindParam(c)
	if err != nil {
		return err
	}

	entity, err := h.index.Canonicalize(ctx, kind, c.Param("id"))
	if err != nil {
		return err
	}
	rels, err := h.relationships.ListRelationships(ctx, kind, entity.ID)
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	return c.JSON(http.StatusOK, rels)
}

func (h *Handler) GetAttributes(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := utils.KindParam(c)
	if err != nil {
		return err
	}

	values, err := h.attributes.CurrentAttributes(ctx, kind, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, values)
}

func (h *Handler) GetAttribute(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := utils.KindParam(c)
	if err != nil {
		return err
	}

	value, err := h.attributes.CurrentValue(ctx, kind, c.Param("id"), c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, value)
}

// GetAttributeHistory lists every observation of the key, superseded ones
// included.
func (h *Handler) GetAttributeHistory(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := utils.KindParam(c)
	if err != nil {
		return err
	}

	rows, err := h.attributes.History(ctx, kind, c.Param("id"), c.Param("key"))
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []models.Attribute{}
	}
	return c.JSON(http.StatusOK, rows)
}

// MergeBody names the winner the path entity is merged into.
type MergeBody struct {
	WinnerID string `json:"winner_id" validate:"required"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

// Merge merges the path entity into the winner.
func (h *Handler) Merge(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := utils.KindParam(c)
	if err != nil {
		return err
	}
	body, err := utils.BindRequest[MergeBody](c)
	if err != nil {
		return err
	}

	actor := body.Actor
	if actor == "" {
		actor = context.GetUserID(ctx)
	}
	if actor == "" {
		actor = DefaultActor
	}

	result, err := h.merger.Merge(ctx, merging.MergeRequest{
		Kind:     kind,
		LoserID:  c.Param("id"),
		WinnerID: body.WinnerID,
		Reason:   body.Reason,
		Actor:    actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
