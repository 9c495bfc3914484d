// Package passcode manages the receiver-chosen 4-digit windows that gate a
// sender's upload, including attempt counting and exponential lockout.
package passcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/identity"
)

// Verification outcomes.
var (
	ErrBadFormat     = errors.New("passcode must be 4 digits")
	ErrNotConfigured = errors.New("passcode is not configured")
	ErrExpired       = errors.New("passcode window expired")
	ErrLocked        = errors.New("passcode temporarily locked")
	ErrInvalid       = errors.New("invalid passcode")
)

const maxAttempts = 5

// Service hashes and verifies transfer passcodes against persisted
// windows.
type Service struct {
	store     store.TransferStore
	windowTTL time.Duration
}

// NewService creates a passcode service. windowTTL bounds how long a set
// passcode stays usable.
func NewService(s store.TransferStore, windowTTL time.Duration) *Service {
	return &Service{store: s, windowTTL: windowTTL}
}

func validFormat(passcode string) bool {
	if len(passcode) != 4 {
		return false
	}
	for _, c := range passcode {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Set creates or overwrites the window for a transfer, resetting all
// attempt state and the expiry clock.
func (s *Service) Set(ctx context.Context, transfer *models.TransferRequest, passcode string) error {
	if !validFormat(passcode) {
		return ErrBadFormat
	}

	hashed, err := identity.HashSecret(passcode)
	if err != nil {
		return fmt.Errorf("failed to hash passcode: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.windowTTL)

	window := transfer.PasscodeWindow
	if window != nil {
		window.PasscodeHash = hashed
		window.AttemptsLeft = maxAttempts
		window.FailureCount = 0
		window.LockedUntil = nil
		window.ExpiresAt = expiresAt
		window.OpenedAt = nil
		window.OpenedByPrincipalID = nil
		return s.store.SavePasscodeWindow(ctx, window)
	}

	window = &models.PasscodeWindow{
		TransferRequestID: transfer.ID,
		PasscodeHash:      hashed,
		AttemptsLeft:      maxAttempts,
		ExpiresAt:         expiresAt,
	}
	if err := s.store.CreatePasscodeWindow(ctx, window); err != nil {
		return err
	}
	transfer.PasscodeWindow = window
	return nil
}

// Verify checks a sender's passcode against the transfer's window.
// Failed attempts are persisted even though the call errors; lockout grows
// exponentially with the failure count and caps at five minutes.
func (s *Service) Verify(ctx context.Context, transfer *models.TransferRequest, principalID, passcode string) error {
	window := transfer.PasscodeWindow
	if window == nil {
		return ErrNotConfigured
	}

	now := time.Now().UTC()
	if window.ExpiresAt.Before(now) {
		return ErrExpired
	}
	if window.LockedUntil != nil && window.LockedUntil.After(now) {
		return ErrLocked
	}

	if !identity.VerifySecret(window.PasscodeHash, passcode) {
		window.FailureCount++
		window.AttemptsLeft--
		if window.AttemptsLeft <= 0 {
			shift := window.FailureCount
			if shift > 8 {
				shift = 8
			}
			lockSeconds := 1 << shift
			if lockSeconds > 300 {
				lockSeconds = 300
			}
			lockedUntil := now.Add(time.Duration(lockSeconds) * time.Second)
			window.LockedUntil = &lockedUntil
			window.AttemptsLeft = maxAttempts
		}
		if err := s.store.SavePasscodeWindow(ctx, window); err != nil {
			return err
		}
		return ErrInvalid
	}

	window.AttemptsLeft = maxAttempts
	window.LockedUntil = nil
	window.OpenedByPrincipalID = &principalID
	window.OpenedAt = &now
	return s.store.SavePasscodeWindow(ctx, window)
}
