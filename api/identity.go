// Package api provides the identity layer of the HCC gateway. Authentication
// itself happens upstream (API key at the edge, see the http package); this
// package carries the caller identity through the request context and
// answers ownership questions.
package api

import (
	"github.com/labstack/echo/v4"

	"hcc.evalgo.org/models"
)

// Identity is the caller of a gateway request. A zero Identity is an
// anonymous caller, which may only touch unowned documents.
type Identity struct {
	UserID    string
	Superuser bool
}

// SuperuserRole is the X-User-Role value granting unrestricted access.
const SuperuserRole = "admin"

const contextKeyIdentity = "identity"

// IdentityMiddleware reads the caller identity from the X-User-ID and
// X-User-Role headers set by the upstream auth proxy.
func IdentityMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := Identity{
				UserID:    c.Request().Header.Get("X-User-ID"),
				Superuser: c.Request().Header.Get("X-User-Role") == SuperuserRole,
			}
			c.Set(contextKeyIdentity, identity)
			return next(c)
		}
	}
}

// Caller returns the request identity. Requests that bypassed the
// middleware count as anonymous.
func Caller(c echo.Context) Identity {
	identity, _ := c.Get(contextKeyIdentity).(Identity)
	return identity
}

// MayAccess reports whether the caller may read or mutate the document.
func (i Identity) MayAccess(doc *models.Document) bool {
	return doc.OwnedBy(i.UserID, i.Superuser)
}

// Owner returns the owner id to stamp on documents the caller creates, or
// nil for anonymous callers.
func (i Identity) Owner() *string {
	if i.UserID == "" {
		return nil
	}
	id := i.UserID
	return &id
}
