package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/storage"
)

const (
	DefaultMaxDevices = 3
	StaleAfter        = 30 * 24 * time.Hour

	EvictionDeviceLimit = "device_limit"
	EvictionLogout      = "logout"
	EvictionLogoutOther = "logout_others"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Store interface {
	WithUserDevices(ctx context.Context, userID uuid.UUID, fn func(tx storage.DeviceTx) error) error
	ListDevices(ctx context.Context, userID uuid.UUID) ([]storage.ConnectedDevice, error)
	ListStaleDevices(ctx context.Context, before time.Time) ([]storage.ConnectedDevice, error)
}

// FingerprintSink receives the signals of every successful login.
type FingerprintSink interface {
	UpdateOnLogin(ctx context.Context, userID uuid.UUID, rc fingerprint.RequestContext) (*storage.FraudProfile, error)
}

type EventSink interface {
	DeviceLoggedIn(ctx context.Context, device storage.ConnectedDevice, returning bool)
	DeviceLoggedOut(ctx context.Context, device storage.ConnectedDevice, reason string)
}

type LoginResult struct {
	Device       storage.ConnectedDevice   `json:"device"`
	SessionToken string                    `json:"session_token"`
	Returning    bool                      `json:"returning"`
	Evicted      []storage.ConnectedDevice `json:"evicted,omitempty"`
}

type Stats struct {
	TotalDevices  int                      `json:"total_devices"`
	ActiveDevices int                      `json:"active_devices"`
	MaxDevices    int                      `json:"max_devices"`
	CurrentDevice *storage.ConnectedDevice `json:"current_device,omitempty"`
	LastLogin     *time.Time               `json:"last_login,omitempty"`
}

type CleanupResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

type Service struct {
	store       Store
	fingerprint FingerprintSink
	events      EventSink
	tokens      TokenGenerator
	maxDevices  int
	clock       Clock
	logger      *slog.Logger
	metrics     *Metrics
}

func NewService(store Store, fp FingerprintSink, events EventSink, maxDevices int, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	return &Service{
		store:       store,
		fingerprint: fp,
		events:      events,
		tokens:      DefaultTokenGenerator{},
		maxDevices:  maxDevices,
		clock:       systemClock{},
		logger:      logger,
		metrics:     metrics,
	}
}

func (s *Service) WithClock(clock Clock) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) WithTokenGenerator(tokens TokenGenerator) *Service {
	if tokens != nil {
		s.tokens = tokens
	}
	return s
}

func (s *Service) MaxDevices() int { return s.maxDevices }

// Login registers or refreshes the device behind rc and issues a new session
// token. Active devices beyond the cap are evicted oldest first.
func (s *Service) Login(ctx context.Context, userID uuid.UUID, rc fingerprint.RequestContext) (LoginResult, error) {
	if userID == uuid.Nil {
		return LoginResult{}, fmt.Errorf("%w: user id required", storage.ErrInvalidInput)
	}
	rc.IP = strings.TrimSpace(rc.IP)
	if rc.IP == "" {
		return LoginResult{}, fmt.Errorf("%w: client ip required", storage.ErrInvalidInput)
	}

	fp := fingerprint.Compute(rc)
	info := fingerprint.Describe(rc.UserAgent)
	token, tokenHash, err := s.tokens.New()
	if err != nil {
		s.metrics.observeLogin("unknown", "error")
		return LoginResult{}, err
	}

	var result LoginResult
	err = s.store.WithUserDevices(ctx, userID, func(tx storage.DeviceTx) error {
		result = LoginResult{SessionToken: token}
		now := s.clock.Now()

		devices, err := tx.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		var known *storage.ConnectedDevice
		for i := range devices {
			if devices[i].DeviceFingerprint == fp {
				known = &devices[i]
				break
			}
		}

		others := make([]storage.ConnectedDevice, 0, len(devices))
		for _, d := range devices {
			if d.IsActive && (known == nil || d.ID != known.ID) {
				others = append(others, d)
			}
		}

		changed := make(map[uuid.UUID]storage.ConnectedDevice)
		set := newDeviceSet(s.maxDevices, others)
		for _, victim := range set.makeRoom() {
			victim.IsActive = false
			victim.IsCurrent = false
			victim.SessionTokenHash = ""
			changed[victim.ID] = victim
			result.Evicted = append(result.Evicted, victim)
		}
		for _, d := range devices {
			if known != nil && d.ID == known.ID {
				continue
			}
			if c, ok := changed[d.ID]; ok {
				d = c
			}
			if d.IsCurrent {
				d.IsCurrent = false
				changed[d.ID] = d
			}
		}
		for _, d := range changed {
			d := d
			if err := tx.UpdateDevice(ctx, &d); err != nil {
				return fmt.Errorf("update device %s: %w", d.ID, err)
			}
		}

		if known != nil {
			device := *known
			device.IP = rc.IP
			device.OS = info.OS
			device.Browser = info.Browser
			if rc.Location != "" {
				device.Location = rc.Location
			}
			device.IsActive = true
			device.IsCurrent = true
			device.SessionTokenHash = tokenHash
			device.LastActive = now
			device.LoginCount++
			if err := tx.UpdateDevice(ctx, &device); err != nil {
				return fmt.Errorf("refresh device: %w", err)
			}
			result.Device = device
			result.Returning = true
			return nil
		}

		device := storage.ConnectedDevice{
			ID:                uuid.New(),
			UserID:            userID,
			DeviceFingerprint: fp,
			IP:                rc.IP,
			OS:                info.OS,
			Browser:           info.Browser,
			Location:          rc.Location,
			IsActive:          true,
			IsCurrent:         true,
			SessionTokenHash:  tokenHash,
			LastActive:        now,
			LoginCount:        1,
			CreatedAt:         now,
		}
		if err := tx.InsertDevice(ctx, &device); err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		result.Device = device
		return nil
	})

	kind := "new"
	if result.Returning {
		kind = "returning"
	}
	if err != nil {
		s.metrics.observeLogin(kind, "error")
		return LoginResult{}, err
	}
	s.metrics.observeLogin(kind, "success")
	s.metrics.observeEvictions(len(result.Evicted))

	for _, d := range result.Evicted {
		s.logger.Info("device evicted", "user_id", userID, "device_id", d.ID, "reason", EvictionDeviceLimit)
		s.emitLoggedOut(ctx, d, EvictionDeviceLimit)
	}
	if s.events != nil {
		s.events.DeviceLoggedIn(ctx, result.Device, result.Returning)
	}
	if s.fingerprint != nil {
		if _, err := s.fingerprint.UpdateOnLogin(ctx, userID, rc); err != nil {
			s.logger.Warn("fingerprint update failed", "user_id", userID, "error", err)
		}
	}
	return result, nil
}

func (s *Service) Logout(ctx context.Context, userID, deviceID uuid.UUID) error {
	var loggedOut storage.ConnectedDevice
	err := s.store.WithUserDevices(ctx, userID, func(tx storage.DeviceTx) error {
		devices, err := tx.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.ID != deviceID || !d.IsActive {
				continue
			}
			deactivate(&d)
			if err := tx.UpdateDevice(ctx, &d); err != nil {
				return err
			}
			loggedOut = d
			return nil
		}
		return fmt.Errorf("device %s: %w", deviceID, storage.ErrNotFound)
	})
	if err != nil {
		return err
	}
	s.emitLoggedOut(ctx, loggedOut, EvictionLogout)
	return nil
}

// LogoutAllOthers deactivates every active device except the given one, or
// except the current device when except is nil.
func (s *Service) LogoutAllOthers(ctx context.Context, userID uuid.UUID, except *uuid.UUID) (int, error) {
	var loggedOut []storage.ConnectedDevice
	err := s.store.WithUserDevices(ctx, userID, func(tx storage.DeviceTx) error {
		loggedOut = loggedOut[:0]
		devices, err := tx.ListDevices(ctx)
		if err != nil {
			return err
		}
		if except != nil && !hasDevice(devices, *except) {
			return fmt.Errorf("device %s: %w", *except, storage.ErrNotFound)
		}
		for _, d := range devices {
			if !d.IsActive {
				continue
			}
			if except != nil && d.ID == *except {
				continue
			}
			if except == nil && d.IsCurrent {
				continue
			}
			deactivate(&d)
			if err := tx.UpdateDevice(ctx, &d); err != nil {
				return err
			}
			loggedOut = append(loggedOut, d)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, d := range loggedOut {
		s.emitLoggedOut(ctx, d, EvictionLogoutOther)
	}
	return len(loggedOut), nil
}

// Validate resolves a session token to its active device and refreshes the
// device's last activity.
func (s *Service) Validate(ctx context.Context, userID uuid.UUID, token string) (storage.ConnectedDevice, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.metrics.observeValidation("invalid")
		return storage.ConnectedDevice{}, storage.ErrInvalidSession
	}
	hash := HashToken(token)

	var device storage.ConnectedDevice
	err := s.store.WithUserDevices(ctx, userID, func(tx storage.DeviceTx) error {
		devices, err := tx.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if !d.IsActive || d.SessionTokenHash == "" {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(d.SessionTokenHash), []byte(hash)) != 1 {
				continue
			}
			d.LastActive = s.clock.Now()
			if err := tx.UpdateDevice(ctx, &d); err != nil {
				return err
			}
			device = d
			return nil
		}
		return storage.ErrInvalidSession
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidSession) {
			s.metrics.observeValidation("invalid")
		} else {
			s.metrics.observeValidation("error")
		}
		return storage.ConnectedDevice{}, err
	}
	s.metrics.observeValidation("valid")
	return device, nil
}

func (s *Service) Devices(ctx context.Context, userID uuid.UUID) ([]storage.ConnectedDevice, error) {
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []storage.ConnectedDevice{}
	}
	return devices, nil
}

func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (Stats, error) {
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalDevices: len(devices), MaxDevices: s.maxDevices}
	for i := range devices {
		d := devices[i]
		if d.IsActive {
			stats.ActiveDevices++
			if d.IsCurrent {
				stats.CurrentDevice = &d
			}
		}
		if stats.LastLogin == nil || d.LastActive.After(*stats.LastLogin) {
			last := d.LastActive
			stats.LastLogin = &last
		}
	}
	return stats, nil
}

// Cleanup removes devices with no activity for StaleAfter. Each user's
// candidates are re-read under the device lock so a login that refreshed one
// after the scan keeps it. A failed user is logged and the sweep moves on.
func (s *Service) Cleanup(ctx context.Context) (CleanupResult, error) {
	before := s.clock.Now().Add(-StaleAfter)
	stale, err := s.store.ListStaleDevices(ctx, before)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("list stale devices: %w", err)
	}

	var users []uuid.UUID
	byUser := map[uuid.UUID]map[uuid.UUID]bool{}
	for _, d := range stale {
		if byUser[d.UserID] == nil {
			byUser[d.UserID] = map[uuid.UUID]bool{}
			users = append(users, d.UserID)
		}
		byUser[d.UserID][d.ID] = true
	}

	var result CleanupResult
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		candidates := byUser[userID]
		deleted := 0
		err := s.store.WithUserDevices(ctx, userID, func(tx storage.DeviceTx) error {
			deleted = 0
			devices, err := tx.ListDevices(ctx)
			if err != nil {
				return err
			}
			for _, d := range devices {
				if !candidates[d.ID] || !d.LastActive.Before(before) {
					continue
				}
				if err := tx.DeleteDevice(ctx, d.ID); err != nil {
					return fmt.Errorf("delete device %s: %w", d.ID, err)
				}
				deleted++
			}
			return nil
		})
		if err != nil {
			result.Failed += len(candidates)
			s.logger.Error("device cleanup failed", "user_id", userID, "devices", len(candidates), "error", err)
			continue
		}
		result.Deleted += deleted
	}
	s.metrics.observeCleanup(result.Deleted)
	if result.Deleted > 0 || result.Failed > 0 {
		s.logger.Info("device cleanup finished", "deleted", result.Deleted, "failed", result.Failed)
	}
	return result, nil
}

func (s *Service) emitLoggedOut(ctx context.Context, d storage.ConnectedDevice, reason string) {
	if s.events != nil {
		s.events.DeviceLoggedOut(ctx, d, reason)
	}
}

func deactivate(d *storage.ConnectedDevice) {
	d.IsActive = false
	d.IsCurrent = false
	d.SessionTokenHash = ""
}

func hasDevice(devices []storage.ConnectedDevice, id uuid.UUID) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
