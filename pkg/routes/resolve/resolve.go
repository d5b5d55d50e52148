package resolve

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/records"
)

type Resolver interface {
	ResolveIdentity(ctx context.Context, rec *models.SourceRecord) (*models.Resolution, error)
}

type Handler struct {
	resolver Resolver
}

func NewHandler(resolver Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// Register registers the resolve route
func (h *Handler) Register(g *echo.Group) {
	g.POST("/resolve", h.Resolve)
}

// Resolve resolves one normalized source record. Repeating the call for the
// same source key returns the recorded outcome.
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()

	var rec models.SourceRecord
	if err := c.Bind(&rec); err != nil {
		return httperror.WrapError(http.StatusBadRequest, err)
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = time.Now().UTC()
	}
	if err := records.Validate(&rec); err != nil {
		return err
	}

	res, err := h.resolver.ResolveIdentity(ctx, &rec)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if res.ReviewStatus == models.ReviewPending {
		status = http.StatusAccepted
	}
	return c.JSON(status, res)
}
