package models

// PlansConfig maps a subscription plan name to its credit allowance. Values
// are decimal integers or the string "unlimited". The table is configuration,
// not code: pricing changes must not require a redeploy.
type PlansConfig map[string]string

// DefaultPlansConfig mirrors the published subscription tiers.
func DefaultPlansConfig() PlansConfig {
	return PlansConfig{
		"Plan User Basic":     "1000",
		"Plan User Full":      "3000",
		"Plan User Premium":   "8000",
		"Plan User Unlimited": "unlimited",
	}
}
