package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/99minutos/fleet-tracking/internal/api/middleware"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"echo error", echo.NewHTTPError(http.StatusBadRequest, "invalid payload"), http.StatusBadRequest, "invalid payload"},
		{"vehicle not found", fmt.Errorf("lookup: %w", domain.ErrVehicleNotFound), http.StatusNotFound, "vehicle not found"},
		{"forbidden", fmt.Errorf("%w: device veh-1 cannot act on vehicle veh-2", domain.ErrForbidden), http.StatusForbidden, "access forbidden"},
		{"invalid sample", fmt.Errorf("%w: latitude", domain.ErrInvalidSample), http.StatusUnprocessableEntity, "invalid location sample: latitude"},
		{"too frequent", domain.ErrTooFrequent, http.StatusConflict, "sample too frequent"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "request not completed, retry"},
		{"unexpected", errors.New("mongo exploded"), http.StatusInternalServerError, "internal server error"},
	}

	handler := NewHTTPErrorHandler(zerolog.Nop())

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			handler(tc.err, c)

			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tc.wantMsg {
				t.Errorf("expected %q, got %q", tc.wantMsg, body.Error)
			}
		})
	}
}

func TestHTTPErrorHandler_RBACRefusalUsesEnvelope(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = NewHTTPErrorHandler(zerolog.Nop())
	e.GET("/v1/stream", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set("role", domain.RoleDevice)
				return next(c)
			}
		},
		middleware.RBAC(domain.RoleOperator, domain.RoleAdmin),
	)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "access forbidden" {
		t.Errorf("expected %q, got %q", "access forbidden", body.Error)
	}
}
