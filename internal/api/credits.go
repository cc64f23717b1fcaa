package api

import (
	"strconv"

	"github.com/vibebetter/vibebetter-api/internal/services/auth"
	"github.com/vibebetter/vibebetter-api/internal/services/credits"
	"github.com/vibebetter/vibebetter-api/internal/services/entitlement"
	"github.com/vibebetter/vibebetter-api/internal/services/purchases"

	"github.com/gofiber/fiber/v2"
)

type CreditsHandler struct {
	creditsService   *credits.Service
	purchasesService *purchases.Service
	calculator       *entitlement.Calculator
}

func NewCreditsHandler(creditsService *credits.Service, purchasesService *purchases.Service, calculator *entitlement.Calculator) *CreditsHandler {
	return &CreditsHandler{
		creditsService:   creditsService,
		purchasesService: purchasesService,
		calculator:       calculator,
	}
}

// GetBalanceResponse represents the response for balance queries
type GetBalanceResponse struct {
	Credits   int64 `json:"credits"`
	Unlimited bool  `json:"unlimited"`
}

// GetBalance returns the caller's effective balance: purchased credits, or
// the unlimited flag when their plan grants unlimited usage.
func (h *CreditsHandler) GetBalance(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	balance, err := h.calculator.EffectiveBalance(c.Context(), identity.UserID, identity.PlanName)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(GetBalanceResponse{
		Credits:   balance.Credits,
		Unlimited: balance.Unlimited,
	})
}

// TransactionItem represents a single credit ledger entry
type TransactionItem struct {
	ID           uint   `json:"id"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Description  string `json:"description"`
	CreatedAt    string `json:"created_at"`
}

// GetTransactionHistory retrieves the caller's credit transaction history
func (h *CreditsHandler) GetTransactionHistory(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	limit, offset := parsePagination(c)

	transactions, err := h.creditsService.ListTransactions(c.Context(), identity.UserID, limit, offset)
	if err != nil {
		return respondError(c, err)
	}

	items := make([]TransactionItem, len(transactions))
	for i, tx := range transactions {
		items[i] = TransactionItem{
			ID:           tx.ID,
			Type:         string(tx.Type),
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			Description:  tx.Description,
			CreatedAt:    tx.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	return c.JSON(fiber.Map{
		"transactions": items,
		"total":        len(items),
		"limit":        limit,
		"offset":       offset,
	})
}

// PurchaseItem represents a single purchase in the history
type PurchaseItem struct {
	ID          uint   `json:"id"`
	ProductID   string `json:"product_id"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// GetPurchaseHistory retrieves the caller's purchase history
func (h *CreditsHandler) GetPurchaseHistory(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	limit, offset := parsePagination(c)

	records, err := h.purchasesService.ListByUser(c.Context(), identity.UserID, limit, offset)
	if err != nil {
		return respondError(c, err)
	}

	items := make([]PurchaseItem, len(records))
	for i, p := range records {
		items[i] = PurchaseItem{
			ID:          p.ID,
			ProductID:   p.ProductID,
			Credits:     p.Credits,
			AmountCents: p.AmountCents,
			Status:      string(p.Status),
			CreatedAt:   p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	return c.JSON(fiber.Map{
		"purchases": items,
		"total":     len(items),
		"limit":     limit,
		"offset":    offset,
	})
}

// GetPackages lists the purchasable credit packs
func (h *CreditsHandler) GetPackages(c *fiber.Ctx) error {
	packages, err := h.creditsService.GetCreditPackages(c.Context())
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"packages": packages,
	})
}

func parsePagination(c *fiber.Ctx) (limit, offset int) {
	limit = 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	offset = 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
