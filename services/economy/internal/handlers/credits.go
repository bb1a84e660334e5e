package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

type transferRequest struct {
	ToUserID    string `json:"to_user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// purchasePromptRequest carries the seller and price as resolved by the prompt
// catalog; the ledger does not look them up itself and trusts the caller.
type purchasePromptRequest struct {
	SellerID string `json:"seller_id"`
	Price    int64  `json:"price"`
}

func (h *Handler) Balance(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	balance, err := h.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid page")
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
		return
	}
	result, err := h.Ledger.History(c.Request.Context(), userID, page, limit, c.Query("type"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CreditStats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	stats, err := h.Ledger.Stats(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": h.Ledger.Packages()})
}

func (h *Handler) Transfer(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	to, err := uuid.Parse(strings.TrimSpace(req.ToUserID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid to_user_id")
		return
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Credit transfer"
	}
	res, err := h.Ledger.Transfer(c.Request.Context(), userID, to, req.Amount, description, storage.Metadata{})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transfer_id":    res.TransferID,
		"balance":        res.FromBalance,
		"transaction_id": res.Debit.ID,
	})
}

func (h *Handler) BuyPackage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	res, err := h.Ledger.BuyPackage(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) PurchasePrompt(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req purchasePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	seller, err := uuid.Parse(strings.TrimSpace(req.SellerID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid seller_id")
		return
	}
	res, err := h.Ledger.PurchasePrompt(c.Request.Context(), userID, seller, c.Param("id"), req.Price)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transfer_id":    res.TransferID,
		"balance":        res.FromBalance,
		"transaction_id": res.Debit.ID,
	})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
