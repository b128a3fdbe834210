package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"bus-ticket/security"
)

// Identity resolves who holds seats for a request: the PocketBase auth
// record when signed in, otherwise the guest session in X-Guest-Token.
type Identity struct {
	guests *security.GuestTokens
}

func NewIdentity(guests *security.GuestTokens) *Identity {
	return &Identity{guests: guests}
}

func (i *Identity) HolderID(e *core.RequestEvent) (string, error) {
	if e.Auth != nil {
		return e.Auth.Id, nil
	}
	raw := e.Request.Header.Get(security.GuestTokenHeader)
	if raw == "" || i.guests == nil {
		return "", apis.NewUnauthorizedError("Sign in or start a guest session", nil)
	}
	id, err := i.guests.Verify(raw)
	if err != nil {
		return "", apis.NewUnauthorizedError("Invalid guest session", err)
	}
	return id, nil
}

// StartGuest issues a guest session token.
func (i *Identity) StartGuest(e *core.RequestEvent) error {
	if i.guests == nil {
		return apis.NewNotFoundError("Guest sessions are disabled", nil)
	}
	tok, err := i.guests.Issue()
	if err != nil {
		return apis.NewInternalServerError("Failed to start guest session", err)
	}
	return e.JSON(http.StatusCreated, tok)
}
