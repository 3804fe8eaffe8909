package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// ctxClaims extracts the auth claims injected by the Auth middleware and
// performs a fast-fail check before any service call:
//   - role must be non-empty (presence proves the middleware ran).
//   - device role requires a non-empty vehicle_id; a device token without
//     it cannot submit anything, so it is rejected with 401.
func ctxClaims(c echo.Context) (role, vehicleID string, err error) {
	role, _ = c.Get("role").(string)
	if role == "" {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}

	vehicleID, _ = c.Get("vehicle_id").(string)
	if role == domain.RoleDevice && vehicleID == "" {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "token missing vehicle identity")
	}

	return role, vehicleID, nil
}

// authorizeVehicle lets a device act only on its own vehicle. Operators and
// admins act on any.
func authorizeVehicle(c echo.Context, vehicleID string) error {
	role, own, err := ctxClaims(c)
	if err != nil {
		return err
	}
	if role == domain.RoleDevice && own != vehicleID {
		return fmt.Errorf("%w: device %s cannot act on vehicle %s", domain.ErrForbidden, own, vehicleID)
	}
	return nil
}
