package interfaces

import (
	"net/http"

	"github.com/google/uuid"
)

// TokenVerifier resolves the user a request acts for.
type TokenVerifier interface {
	FromRequest(r *http.Request) (uuid.UUID, error)
}
