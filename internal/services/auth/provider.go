package auth

import "context"

// Identity is the resolved caller: who they are, which organization is
// active, and that organization's subscription plan name.
type Identity struct {
	UserID         string
	OrganizationID string
	PlanName       string
	Email          string
}

// Provider is the narrow capability surface the rest of the service depends
// on; the concrete identity SDK stays behind it.
type Provider interface {
	// ValidateToken verifies a bearer token and resolves the caller's
	// identity, including the active organization's plan name.
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}
