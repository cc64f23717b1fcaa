package models

type BillingConfig struct {
	SecretKey       string `json:"secret_key" yaml:"secret_key"`
	WebhookSecret   string `json:"webhook_secret" yaml:"webhook_secret"`
	SuccessURL      string `json:"success_url" yaml:"success_url"`
	CancelURL       string `json:"cancel_url" yaml:"cancel_url"`
	PortalReturnURL string `json:"portal_return_url" yaml:"portal_return_url"`

	// SignupBonusCredits is granted once on user.created (0 disables).
	SignupBonusCredits int64 `json:"signup_bonus_credits,omitzero" yaml:"signup_bonus_credits"`

	// GrantMaxRetries bounds the reconciler's grant retry loop.
	GrantMaxRetries int `json:"grant_max_retries,omitzero" yaml:"grant_max_retries"`
}
