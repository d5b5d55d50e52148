package review

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	reqctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/utils"
)

type Reviewer interface {
	ApplyReviewDecision(ctx context.Context, decisionID string, outcome resolution.ReviewOutcome) (*models.Resolution, error)
}

type Handler struct {
	log      *decisions.Log
	reviewer Reviewer
}

func NewHandler(log *decisions.Log, reviewer Reviewer) *Handler {
	return &Handler{log: log, reviewer: reviewer}
}

// Register registers review and decision routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/reviews", h.ListPending)
	g.GET("/reviews/:id", h.GetDecision)
	g.POST("/reviews/:id", h.Apply)
	g.GET("/stats/decisions", h.Stats)
}

// ListPending lists review_pending decisions of one kind, oldest first.
func (h *Handler) ListPending(c echo.Context) error {
	ctx := c.Request().Context()
	kind := models.EntityKind(c.QueryParam("kind"))
	limit, err := utils.IntQuery(c, "limit", decisions.DefaultPendingLimit)
	if err != nil {
		return err
	}

	pending, err := h.log.PendingReviews(ctx, kind, limit)
	if err != nil {
		return err
	}
	if pending == nil {
		pending = []models.MatchDecision{}
	}
	return c.JSON(http.StatusOK, pending)
}

func (h *Handler) GetDecision(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.log.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// Apply applies a reviewer outcome. The reviewer defaults to the caller.
func (h *Handler) Apply(c echo.Context) error {
	ctx := c.Request().Context()

	var outcome resolution.ReviewOutcome
	if err := c.Bind(&outcome); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if outcome.Reviewer == "" {
		outcome.Reviewer = reqctx.GetUserID(ctx)
	}

	res, err := h.reviewer.ApplyReviewDecision(ctx, c.Param("id"), outcome)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Stats reports auto-resolved against queued decision counts.
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.log.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
