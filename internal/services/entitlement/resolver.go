package entitlement

import (
	"strconv"

	"github.com/vibebetter/vibebetter-api/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Allowance is a subscription plan's credit allowance. Unlimited is the
// sentinel for top-tier plans whose spend checks always succeed.
type Allowance int64

const Unlimited Allowance = -1

func (a Allowance) IsUnlimited() bool {
	return a == Unlimited
}

// Resolver maps a plan name to its credit allowance. The table comes from
// configuration; plan data itself lives with the identity provider and is
// supplied per request.
type Resolver struct {
	table map[string]Allowance
}

// NewResolver builds a resolver from the configured plan table. Entries that
// fail to parse are skipped with a warning rather than failing startup.
func NewResolver(plans models.PlansConfig) *Resolver {
	table := make(map[string]Allowance, len(plans))

	for name, raw := range plans {
		if raw == "unlimited" {
			table[name] = Unlimited
			continue
		}

		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			fiberlog.Warnf("Skipping plan %q: invalid allowance %q", name, raw)
			continue
		}
		table[name] = Allowance(v)
	}

	return &Resolver{table: table}
}

// Resolve returns the allowance for a plan name. Unknown or empty plan names
// resolve to zero.
func (r *Resolver) Resolve(planName string) Allowance {
	if planName == "" {
		return 0
	}
	if allowance, ok := r.table[planName]; ok {
		return allowance
	}
	return 0
}
