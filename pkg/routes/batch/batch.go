package batch

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/batch"
	"github.com/Ramsey-B/clover/pkg/utils"
)

type Runner interface {
	Run(ctx context.Context, opts batch.RunOptions) (*batch.Summary, error)
}

type Handler struct {
	runner Runner
}

func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

// Register registers batch routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/batch/run", h.Run)
}

// Run drains pending staged records matching the body and returns the run
// summary. An empty body runs over every source.
func (h *Handler) Run(c echo.Context) error {
	opts, err := utils.BindRequest[batch.RunOptions](c)
	if err != nil {
		return err
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown entity kind "+string(opts.Kind))
	}

	summary, err := h.runner.Run(c.Request().Context(), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
