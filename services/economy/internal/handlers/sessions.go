package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

type loginResponse struct {
	SessionToken string                  `json:"session_token"`
	Device       storage.ConnectedDevice `json:"device"`
	Returning    bool                    `json:"returning"`
	EvictedIDs   []string                `json:"evicted_device_ids,omitempty"`
}

type logoutRequest struct {
	DeviceID string `json:"device_id"`
}

type logoutOthersRequest struct {
	ExceptDeviceID string `json:"except_device_id"`
}

func (h *Handler) Login(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	res, err := h.Sessions.Login(c.Request.Context(), userID, requestContext(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	resp := loginResponse{
		SessionToken: res.SessionToken,
		Device:       res.Device,
		Returning:    res.Returning,
	}
	for _, d := range res.Evicted {
		resp.EvictedIDs = append(resp.EvictedIDs, d.ID.String())
	}
	status := http.StatusCreated
	if res.Returning {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (h *Handler) Logout(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	deviceID, err := uuid.Parse(strings.TrimSpace(req.DeviceID))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid device_id")
		return
	}
	if err := h.Sessions.Logout(c.Request.Context(), userID, deviceID); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}

func (h *Handler) LogoutOthers(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req logoutOthersRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
			return
		}
	}
	var except *uuid.UUID
	if raw := strings.TrimSpace(req.ExceptDeviceID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid except_device_id")
			return
		}
		except = &id
	}
	n, err := h.Sessions.LogoutAllOthers(c.Request.Context(), userID, except)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": n})
}

func (h *Handler) ValidateSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	device, err := h.Sessions.Validate(c.Request.Context(), userID, c.GetHeader(SessionTokenHeader))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "device": device})
}

func (h *Handler) SessionStats(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	stats, err := h.Sessions.Stats(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListDevices(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	devices, err := h.Sessions.Devices(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
