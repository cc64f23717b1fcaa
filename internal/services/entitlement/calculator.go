package entitlement

import "context"

// BalanceReader is the slice of the credit store the calculator needs.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
}

// Balance is an effective balance: either a concrete credit count or
// unlimited.
type Balance struct {
	Credits   int64
	Unlimited bool
}

// Calculator combines the credit store balance with the subscription
// allowance into spend decisions. The subscription allowance only affects
// spend through the unlimited sentinel; finite plans are informational and
// actual spend draws from purchased credits.
type Calculator struct {
	balances BalanceReader
	resolver *Resolver
}

func NewCalculator(balances BalanceReader, resolver *Resolver) *Calculator {
	return &Calculator{
		balances: balances,
		resolver: resolver,
	}
}

// EffectiveBalance returns the balance spend checks run against.
func (c *Calculator) EffectiveBalance(ctx context.Context, userID, planName string) (Balance, error) {
	if c.resolver.Resolve(planName).IsUnlimited() {
		return Balance{Unlimited: true}, nil
	}

	credits, err := c.balances.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}

	return Balance{Credits: credits}, nil
}

// CanConsume reports whether the user may spend amount credits.
func (c *Calculator) CanConsume(ctx context.Context, userID, planName string, amount int64) (bool, error) {
	balance, err := c.EffectiveBalance(ctx, userID, planName)
	if err != nil {
		return false, err
	}
	if balance.Unlimited {
		return true, nil
	}
	return balance.Credits >= amount, nil
}
