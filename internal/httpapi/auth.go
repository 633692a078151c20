package httpapi

import (
	"crypto/subtle"
	"net/http"

	"revalidator/internal/ratelimit"
)

func secretMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// authorize accepts the admin secret for every class and the manual secret
// for everything but admin.
func (h *Handler) authorize(r *http.Request, class ratelimit.Class) error {
	tok := bearerToken(r)
	auth := h.Config.Auth
	if secretMatches(tok, auth.AdminSecret) {
		return nil
	}
	if class != ratelimit.ClassAdmin && secretMatches(tok, auth.ManualSecret) {
		return nil
	}
	return ErrUnauthorized
}
