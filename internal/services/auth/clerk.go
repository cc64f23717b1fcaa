package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/jwt"
	"github.com/clerk/clerk-sdk-go/v2/organization"
	"github.com/clerk/clerk-sdk-go/v2/user"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

type ClerkAuthProvider struct {
	secretKey string
}

func NewClerkAuthProvider(secretKey string) *ClerkAuthProvider {
	clerk.SetKey(secretKey)

	return &ClerkAuthProvider{
		secretKey: secretKey,
	}
}

// ValidateToken verifies a Clerk session JWT and resolves the caller's
// identity. The plan name is looked up fresh on every call; the billing
// provider owns that state and it must not be cached across requests.
func (p *ClerkAuthProvider) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	claims, err := jwt.Verify(ctx, &jwt.VerifyParams{
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	identity := &Identity{
		UserID:         claims.Subject,
		OrganizationID: claims.ActiveOrganizationID,
	}

	if identity.OrganizationID != "" {
		planName, err := p.resolvePlanName(ctx, identity.OrganizationID)
		if err != nil {
			// A missing plan downgrades entitlement to purchased credits
			// only; it must not fail authentication.
			fiberlog.Warnf("Failed to resolve plan for organization %s: %v", identity.OrganizationID, err)
		} else {
			identity.PlanName = planName
		}
	}

	return identity, nil
}

// GetUserEmail fetches the primary email address for a user.
func (p *ClerkAuthProvider) GetUserEmail(ctx context.Context, userID string) (string, error) {
	u, err := user.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}

	for _, addr := range u.EmailAddresses {
		if u.PrimaryEmailAddressID != nil && addr.ID == *u.PrimaryEmailAddressID {
			return addr.EmailAddress, nil
		}
	}

	return "", nil
}

// resolvePlanName reads the organization's plan from its public metadata.
func (p *ClerkAuthProvider) resolvePlanName(ctx context.Context, organizationID string) (string, error) {
	org, err := organization.Get(ctx, organizationID)
	if err != nil {
		return "", fmt.Errorf("failed to get organization: %w", err)
	}

	if len(org.PublicMetadata) == 0 {
		return "", nil
	}

	var metadata struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(org.PublicMetadata, &metadata); err != nil {
		return "", fmt.Errorf("failed to parse organization metadata: %w", err)
	}

	return metadata.Plan, nil
}
