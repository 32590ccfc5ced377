package services

import (
	"context"
	"fmt"
	"strings"

	"change-sync/internal/account"
	"change-sync/internal/logging"
	"change-sync/internal/models"
)

// ValidationError rejects a malformed request before any mutation happens.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AccountMismatchError rejects a request whose declared account differs from
// the one the transport resolved.
type AccountMismatchError struct {
	Declared string
	Resolved string
}

func (e *AccountMismatchError) Error() string {
	return fmt.Sprintf("declared account %q does not match resolved account %q", e.Declared, e.Resolved)
}

type PushRequest struct {
	AccountID   string   `json:"accountId"`
	ActorUserID string   `json:"actorUserId"`
	Push        PushBody `json:"push"`
}

type PushBody struct {
	DeviceID     string          `json:"deviceId"`
	DeviceName   string          `json:"deviceName"`
	Platform     string          `json:"platform"`
	LastSequence int64           `json:"lastSequence"`
	Changes      []models.Change `json:"changes"`
}

type PullRequest struct {
	AccountID string   `json:"accountId"`
	Pull      PullBody `json:"pull"`
}

type PullBody struct {
	DeviceID      string `json:"deviceId"`
	SinceSequence int64  `json:"sinceSequence"`
}

// SyncService validates requests and routes them to the owning account
// actor. It holds no sync state of its own.
type SyncService struct {
	manager *account.Manager
	log     *logging.Logger
}

func NewSyncService(manager *account.Manager, log *logging.Logger) *SyncService {
	return &SyncService{manager: manager, log: log.With("service")}
}

func (s *SyncService) Push(ctx context.Context, resolvedAccount string, req PushRequest) (account.PushResult, error) {
	accountID, err := s.resolveAccount(resolvedAccount, req.AccountID)
	if err != nil {
		return account.PushResult{}, err
	}
	if strings.TrimSpace(req.Push.DeviceID) == "" {
		return account.PushResult{}, validationf("push.deviceId is required")
	}
	if len(req.Push.Changes) == 0 {
		return account.PushResult{}, validationf("push.changes must not be empty")
	}
	for i, c := range req.Push.Changes {
		if !c.EntityType.Valid() {
			return account.PushResult{}, validationf("changes[%d]: unknown entityType %q", i, c.EntityType)
		}
		if strings.TrimSpace(c.EntityID) == "" {
			return account.PushResult{}, validationf("changes[%d]: entityId is required", i)
		}
		if !c.Operation.Valid() {
			return account.PushResult{}, validationf("changes[%d]: unknown operation %q", i, c.Operation)
		}
	}

	a, err := s.manager.Actor(accountID)
	if err != nil {
		return account.PushResult{}, err
	}
	return a.Push(ctx, account.PushInput{
		DeviceID:     strings.TrimSpace(req.Push.DeviceID),
		DeviceName:   strings.TrimSpace(req.Push.DeviceName),
		Platform:     strings.TrimSpace(req.Push.Platform),
		LastSequence: req.Push.LastSequence,
		ActorUserID:  strings.TrimSpace(req.ActorUserID),
		Changes:      req.Push.Changes,
	})
}

func (s *SyncService) Pull(ctx context.Context, resolvedAccount string, req PullRequest) (account.PullResult, error) {
	accountID, err := s.resolveAccount(resolvedAccount, req.AccountID)
	if err != nil {
		return account.PullResult{}, err
	}
	if strings.TrimSpace(req.Pull.DeviceID) == "" {
		return account.PullResult{}, validationf("pull.deviceId is required")
	}
	if req.Pull.SinceSequence < 0 {
		return account.PullResult{}, validationf("pull.sinceSequence must not be negative")
	}

	a, err := s.manager.Actor(accountID)
	if err != nil {
		return account.PullResult{}, err
	}
	return a.Pull(ctx, account.PullInput{
		DeviceID:      strings.TrimSpace(req.Pull.DeviceID),
		SinceSequence: req.Pull.SinceSequence,
	})
}

func (s *SyncService) Acknowledge(ctx context.Context, accountID, deviceID string, sequence int64) (int64, error) {
	if strings.TrimSpace(deviceID) == "" {
		return 0, validationf("deviceId is required")
	}
	a, err := s.manager.Actor(accountID)
	if err != nil {
		return 0, err
	}
	return a.Acknowledge(ctx, strings.TrimSpace(deviceID), sequence)
}

func (s *SyncService) Status(ctx context.Context, accountID string) (account.StatusResult, error) {
	a, err := s.manager.Actor(accountID)
	if err != nil {
		return account.StatusResult{}, err
	}
	return a.Status(ctx)
}

func (s *SyncService) Pending(ctx context.Context, accountID, deviceID string) (account.PendingResult, error) {
	if strings.TrimSpace(deviceID) == "" {
		return account.PendingResult{}, validationf("device_id is required")
	}
	a, err := s.manager.Actor(accountID)
	if err != nil {
		return account.PendingResult{}, err
	}
	return a.Pending(ctx, strings.TrimSpace(deviceID))
}

func (s *SyncService) Attach(ctx context.Context, accountID, deviceID, actorUserID, deviceName, platform string) (account.AttachResult, error) {
	if strings.TrimSpace(deviceID) == "" {
		return account.AttachResult{}, validationf("device_id is required")
	}
	a, err := s.manager.Actor(accountID)
	if err != nil {
		return account.AttachResult{}, err
	}
	return a.Attach(ctx, strings.TrimSpace(deviceID), actorUserID, deviceName, platform)
}

func (s *SyncService) Detach(ctx context.Context, accountID, sessionID, deviceID string) error {
	a, err := s.manager.Actor(accountID)
	if err != nil {
		return err
	}
	return a.Detach(ctx, sessionID, deviceID)
}

// resolveAccount reconciles the transport-resolved account with the one the
// body declares. A declared account that contradicts the transport is
// rejected before anything mutates.
func (s *SyncService) resolveAccount(resolved, declared string) (string, error) {
	resolved = strings.TrimSpace(resolved)
	declared = strings.TrimSpace(declared)
	switch {
	case declared == "" && resolved == "":
		return "", validationf("accountId is required")
	case declared == "":
		return resolved, nil
	case resolved == "" || resolved == declared:
		return declared, nil
	default:
		return "", &AccountMismatchError{Declared: declared, Resolved: resolved}
	}
}
