package complement

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Handler struct {
	provider Provider
	logger   zerolog.Logger
}

func NewHandler(provider Provider, logger zerolog.Logger) *Handler {
	return &Handler{provider: provider, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/complement", h.Complement)
	g.POST("/complement", h.Complement)
}

// Complement returns every known hospital not named in the request body. An
// empty body is an empty exclusion set.
func (h *Handler) Complement(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxResponseBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	var in Names
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body: expected {\"hospitalNames\": [...]}")
		}
	}

	out, err := h.provider.ComputeComplement(c.Request().Context(), NewSet(in.HospitalNames...))
	if err != nil {
		h.logger.Error().Err(err).Msg("compute complement")
		return echo.NewHTTPError(http.StatusBadGateway, "failed to fetch hospital names")
	}
	return c.JSON(http.StatusOK, Names{HospitalNames: out.Sorted()})
}
