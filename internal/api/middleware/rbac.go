package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/fleet-tracking/internal/core/domain"
)

// RBAC lets a request through only when the token's role is one of roles.
// Refusals go to the shared error handler as domain.ErrForbidden.
func RBAC(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get("role").(string)
			if _, ok := allowed[role]; !ok {
				if role == "" {
					role = "none"
				}
				return fmt.Errorf("%w: role %s may not call %s %s", domain.ErrForbidden, role, c.Request().Method, c.Path())
			}
			return next(c)
		}
	}
}
