package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type flagRequest struct {
	Flagged *bool  `json:"flagged"`
	Reason  string `json:"reason"`
}

type adjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) FraudReport(c *gin.Context) {
	userID, ok := pathUUID(c, "userId")
	if !ok {
		return
	}
	report, err := h.Fraud.Report(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) SetFlag(c *gin.Context) {
	userID, ok := pathUUID(c, "userId")
	if !ok {
		return
	}
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Flagged == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "flagged is required")
		return
	}
	profile, err := h.Fraud.SetFlag(c.Request.Context(), userID, *req.Flagged, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.Logger.Info("admin fraud flag", "user_id", userID, "flagged", *req.Flagged, "admin_key", adminRecord(c).ID)
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) AdjustCredits(c *gin.Context) {
	userID, ok := pathUUID(c, "userId")
	if !ok {
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	res, err := h.Ledger.AdminAdjust(c.Request.Context(), userID, req.Amount, adminRecord(c).ID, req.Reason)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
