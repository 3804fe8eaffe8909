package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

// LocationHandler exposes the ingestion gateway.
type LocationHandler struct {
	ingestion ports.IngestionService
}

// NewLocationHandler creates a LocationHandler. The service must already be
// serial per vehicle.
func NewLocationHandler(ingestion ports.IngestionService) *LocationHandler {
	return &LocationHandler{ingestion: ingestion}
}

// Ingest handles POST /v1/locations: decides on a single sample.
//
// @Summary      Ingest a single location sample
// @Tags         locations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      fleetapi.LocationPayload  true  "Location sample"
// @Success      201   {object}  fleetapi.IngestResponse
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      409   {object}  fleetapi.IngestResponse
// @Failure      422   {object}  fleetapi.IngestResponse
// @Router       /v1/locations [post]
func (h *LocationHandler) Ingest(c echo.Context) error {
	var req fleetapi.LocationPayload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	_, own, err := ctxClaims(c)
	if err != nil {
		return err
	}
	if req.VehicleID == "" {
		req.VehicleID = own
	}
	if err := authorizeVehicle(c, req.VehicleID); err != nil {
		return err
	}

	if err := c.Validate(&req); err != nil {
		metrics.SamplesIngestedTotal.WithLabelValues(string(domain.OutcomeRejectedInvalid)).Inc()
		return c.JSON(http.StatusUnprocessableEntity, fleetapi.IngestResponse{
			Outcome: string(domain.OutcomeRejectedInvalid),
			Reason:  fmt.Sprintf("%v: %s", domain.ErrInvalidSample, err),
		})
	}

	res, err := h.ingestion.Ingest(c.Request().Context(), req.Sample())
	if err != nil {
		return err
	}
	return c.JSON(statusFor(res.Outcome), fleetapi.FromResult(res))
}

// IngestBatch handles POST /v1/locations/batch: decides on a vehicle's
// queued samples in order and reports every item.
//
// @Summary      Ingest a batch of location samples
// @Description  Items are decided in submission order. A rejected item does not affect its neighbours.
// @Tags         locations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      fleetapi.BatchRequest  true  "Samples of one vehicle"
// @Success      200   {object}  fleetapi.BatchResponse
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /v1/locations/batch [post]
func (h *LocationHandler) IngestBatch(c echo.Context) error {
	var req fleetapi.BatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.VehicleID == "" {
		_, own, err := ctxClaims(c)
		if err != nil {
			return err
		}
		req.VehicleID = own
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err := authorizeVehicle(c, req.VehicleID); err != nil {
		return err
	}

	ctx := c.Request().Context()
	resp := fleetapi.BatchResponse{
		VehicleID: req.VehicleID,
		Items:     make([]fleetapi.BatchItem, 0, len(req.Samples)),
	}
	var last time.Time

	for i, p := range req.Samples {
		item := fleetapi.BatchItem{ClientSequence: p.ClientSequence}

		if p.VehicleID == "" {
			p.VehicleID = req.VehicleID
		}
		if p.VehicleID != req.VehicleID {
			item.Outcome = string(domain.OutcomeRejectedInvalid)
			item.Reason = fmt.Sprintf("%v: samples[%d] belongs to vehicle %s", domain.ErrInvalidSample, i, p.VehicleID)
			metrics.SamplesIngestedTotal.WithLabelValues(item.Outcome).Inc()
			resp.Items = append(resp.Items, item)
			continue
		}
		if err := c.Validate(&p); err != nil {
			item.Outcome = string(domain.OutcomeRejectedInvalid)
			item.Reason = fmt.Sprintf("%v: samples[%d]: %s", domain.ErrInvalidSample, i, err)
			metrics.SamplesIngestedTotal.WithLabelValues(item.Outcome).Inc()
			resp.Items = append(resp.Items, item)
			continue
		}

		// A failure mid-batch fails the whole request; replays of the items
		// already accepted are acknowledged as duplicates on retry.
		res, err := h.ingestion.Ingest(ctx, p.Sample())
		if err != nil {
			return err
		}
		out := fleetapi.FromResult(res)
		item.Outcome = out.Outcome
		item.Reason = out.Reason
		item.LastAcceptedAt = out.LastAcceptedAt
		if res.LastAcceptedAt.After(last) {
			last = res.LastAcceptedAt
		}
		resp.Items = append(resp.Items, item)
	}

	if !last.IsZero() {
		resp.LastAcceptedAt = &last
	}
	return c.JSON(http.StatusOK, resp)
}

// LastAccepted handles GET /v1/vehicles/:vehicleId/last-accepted.
//
// @Summary      Get the server's last accepted timestamp for a vehicle
// @Tags         vehicles
// @Produce      json
// @Security     BearerAuth
// @Param        vehicleId  path      string  true  "Vehicle ID"
// @Success      200        {object}  fleetapi.LastAcceptedResponse
// @Failure      401        {object}  errorResponse
// @Failure      403        {object}  errorResponse
// @Failure      404        {object}  errorResponse
// @Router       /v1/vehicles/{vehicleId}/last-accepted [get]
func (h *LocationHandler) LastAccepted(c echo.Context) error {
	vehicleID := c.Param("vehicleId")
	if vehicleID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "vehicle id is required")
	}
	if err := authorizeVehicle(c, vehicleID); err != nil {
		return err
	}

	at, err := h.ingestion.LastAccepted(c.Request().Context(), vehicleID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fleetapi.LastAcceptedResponse{
		VehicleID:      vehicleID,
		LastAcceptedAt: at.UTC(),
	})
}

func statusFor(o domain.IngestOutcome) int {
	switch o {
	case domain.OutcomeRejectedTooFrequent:
		return http.StatusConflict
	case domain.OutcomeRejectedInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusCreated
	}
}
