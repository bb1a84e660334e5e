package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/promptmarket/economy/libs/apikey"
	"github.com/promptmarket/economy/libs/auth"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/fraud"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/promptmarket/economy/services/economy/internal/rate"
	"github.com/promptmarket/economy/services/economy/internal/session"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const (
	ScopeFraudRead     = "fraud:read"
	ScopeFraudWrite    = "fraud:write"
	ScopeCreditsAdjust = "credits:adjust"

	SessionTokenHeader = "X-Session-Token"
	APIKeyHeader       = "X-API-Key"
	LocationHeader     = "X-Client-Location"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type LedgerService interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	History(ctx context.Context, userID uuid.UUID, page, limit int, txType string) (ledger.HistoryPage, error)
	Stats(ctx context.Context, userID uuid.UUID) (ledger.Stats, error)
	Transfer(ctx context.Context, from, to uuid.UUID, amount int64, description string, meta storage.Metadata) (ledger.TransferResult, error)
	PurchasePrompt(ctx context.Context, buyer, seller uuid.UUID, promptID string, price int64) (ledger.TransferResult, error)
	BuyPackage(ctx context.Context, userID uuid.UUID, packageID string) (ledger.Result, error)
	AdminAdjust(ctx context.Context, userID uuid.UUID, amount int64, adminID, reason string) (ledger.Result, error)
	Packages() []ledger.Package
}

type FraudService interface {
	Report(ctx context.Context, userID uuid.UUID) (fraud.Report, error)
	SetFlag(ctx context.Context, userID uuid.UUID, flagged bool, reason string) (*storage.FraudProfile, error)
}

type SessionService interface {
	Login(ctx context.Context, userID uuid.UUID, rc fingerprint.RequestContext) (session.LoginResult, error)
	Logout(ctx context.Context, userID, deviceID uuid.UUID) error
	LogoutAllOthers(ctx context.Context, userID uuid.UUID, except *uuid.UUID) (int, error)
	Validate(ctx context.Context, userID uuid.UUID, token string) (storage.ConnectedDevice, error)
	Stats(ctx context.Context, userID uuid.UUID) (session.Stats, error)
	Devices(ctx context.Context, userID uuid.UUID) ([]storage.ConnectedDevice, error)
}

type Handler struct {
	Ledger       LedgerService
	Fraud        FraudService
	Sessions     SessionService
	LoginLimiter rate.Limiter
	AdminKeys    []apikey.Record
	Clock        Clock
	Logger       *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(l LedgerService, f FraudService, s SessionService, limiter rate.Limiter, adminKeys []apikey.Record, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Ledger:       l,
		Fraud:        f,
		Sessions:     s,
		LoginLimiter: limiter,
		AdminKeys:    adminKeys,
		Clock:        systemClock{},
		Logger:       logger,
	}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	r.Use(correlation())

	user := r.Group("/", auth.Middleware(jwtSecret), deviceInfo())
	user.POST("/sessions/login", h.rateLimitLogin(), h.Login)
	user.POST("/sessions/logout", h.Logout)
	user.POST("/sessions/logout-others", h.LogoutOthers)
	user.GET("/sessions/validate", h.ValidateSession)
	user.GET("/sessions/stats", h.SessionStats)
	user.GET("/sessions/devices", h.ListDevices)

	user.GET("/credits/balance", h.Balance)
	user.GET("/credits/history", h.History)
	user.GET("/credits/stats", h.CreditStats)
	user.GET("/credits/packages", h.ListPackages)
	user.POST("/credits/transfer", h.Transfer)
	user.POST("/credits/packages/:id/purchase", h.BuyPackage)
	user.POST("/prompts/:id/purchase", h.PurchasePrompt)

	admin := r.Group("/admin")
	admin.GET("/fraud/:userId", h.requireAdmin(ScopeFraudRead), h.FraudReport)
	admin.POST("/fraud/:userId/flag", h.requireAdmin(ScopeFraudWrite), h.SetFlag)
	admin.POST("/credits/:userId/adjust", h.requireAdmin(ScopeCreditsAdjust), h.AdjustCredits)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

// writeServiceError maps domain errors onto the API error codes.
func (h *Handler) writeServiceError(c *gin.Context, err error) {
	var denied *storage.DeniedError
	switch {
	case errors.As(err, &denied):
		writeError(c, http.StatusForbidden, "FORBIDDEN", denied.Reason)
	case errors.Is(err, storage.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "forbidden")
	case errors.Is(err, storage.ErrInsufficientCredits):
		writeError(c, http.StatusConflict, "INSUFFICIENT_CREDITS", "insufficient credits")
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, storage.ErrInvalidSession):
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session")
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", strings.TrimPrefix(err.Error(), storage.ErrInvalidInput.Error()+": "))
	default:
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
	}
	return userID, ok
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil || id == uuid.Nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
