package passcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
)

func setupTransfer(t *testing.T) (*store.GORMStore, *models.TransferRequest) {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	transfer := &models.TransferRequest{
		SenderPrincipalID: models.NewID(),
		ReceiverDeviceID:  models.NewID(),
		ReceiverShareID:   models.NewID(),
		State:             models.TransferPendingReceiverApproval,
		ExpiresAt:         time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, s.CreateTransfer(ctx, transfer, nil))
	return s, transfer
}

func TestSetRejectsBadFormats(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, 5*time.Minute)

	for _, bad := range []string{"", "123", "12345", "12a4", "٤٢٤٢"} {
		require.ErrorIs(t, svc.Set(context.Background(), transfer, bad), ErrBadFormat)
	}
}

func TestSetAndVerify(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, transfer, "4242"))
	require.NotNil(t, transfer.PasscodeWindow)
	assert.Equal(t, 5, transfer.PasscodeWindow.AttemptsLeft)

	principal := models.NewID()
	require.NoError(t, svc.Verify(ctx, transfer, principal, "4242"))
	assert.NotNil(t, transfer.PasscodeWindow.OpenedAt)
	require.NotNil(t, transfer.PasscodeWindow.OpenedByPrincipalID)
	assert.Equal(t, principal, *transfer.PasscodeWindow.OpenedByPrincipalID)
}

func TestVerifyWithoutWindow(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, 5*time.Minute)

	err := svc.Verify(context.Background(), transfer, models.NewID(), "4242")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyExpiredWindow(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, -time.Second)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, transfer, "4242"))
	err := svc.Verify(ctx, transfer, models.NewID(), "4242")
	require.ErrorIs(t, err, ErrExpired)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, 5*time.Minute)
	ctx := context.Background()
	principal := models.NewID()

	require.NoError(t, svc.Set(ctx, transfer, "4242"))

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "0000"), ErrInvalid)
		assert.Nil(t, transfer.PasscodeWindow.LockedUntil)
	}

	// Fifth failure locks for 2^5 = 32 seconds and recharges attempts.
	require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "0000"), ErrInvalid)
	window := transfer.PasscodeWindow
	require.NotNil(t, window.LockedUntil)
	assert.Equal(t, 5, window.AttemptsLeft)
	assert.Equal(t, 5, window.FailureCount)
	lock := time.Until(*window.LockedUntil)
	assert.InDelta(t, 32, lock.Seconds(), 2)

	// Locked out even with the right code.
	require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "4242"), ErrLocked)

	// Failure state survives a reload.
	reloaded, err := s.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.PasscodeWindow.FailureCount)
	assert.NotNil(t, reloaded.PasscodeWindow.LockedUntil)
}

func TestLockDurationCapsAtFiveMinutes(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, time.Hour)
	ctx := context.Background()
	principal := models.NewID()

	require.NoError(t, svc.Set(ctx, transfer, "4242"))

	// Simulate a long failure history, then trip the lockout.
	transfer.PasscodeWindow.FailureCount = 20
	transfer.PasscodeWindow.AttemptsLeft = 1
	require.NoError(t, s.SavePasscodeWindow(ctx, transfer.PasscodeWindow))

	require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "0000"), ErrInvalid)
	require.NotNil(t, transfer.PasscodeWindow.LockedUntil)
	lock := time.Until(*transfer.PasscodeWindow.LockedUntil)
	assert.LessOrEqual(t, lock.Seconds(), 301.0)
	assert.Greater(t, lock.Seconds(), 250.0)
}

func TestSuccessfulVerifyResetsCounters(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, 5*time.Minute)
	ctx := context.Background()
	principal := models.NewID()

	require.NoError(t, svc.Set(ctx, transfer, "4242"))
	require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "1111"), ErrInvalid)
	assert.Equal(t, 4, transfer.PasscodeWindow.AttemptsLeft)

	require.NoError(t, svc.Verify(ctx, transfer, principal, "4242"))
	assert.Equal(t, 5, transfer.PasscodeWindow.AttemptsLeft)
	assert.Nil(t, transfer.PasscodeWindow.LockedUntil)
}

func TestSetOverwritesExistingWindow(t *testing.T) {
	s, transfer := setupTransfer(t)
	svc := NewService(s, 5*time.Minute)
	ctx := context.Background()
	principal := models.NewID()

	require.NoError(t, svc.Set(ctx, transfer, "4242"))
	require.NoError(t, svc.Verify(ctx, transfer, principal, "4242"))
	require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "9999"), ErrInvalid)

	firstID := transfer.PasscodeWindow.ID
	require.NoError(t, svc.Set(ctx, transfer, "1234"))

	window := transfer.PasscodeWindow
	assert.Equal(t, firstID, window.ID)
	assert.Equal(t, 5, window.AttemptsLeft)
	assert.Equal(t, 0, window.FailureCount)
	assert.Nil(t, window.OpenedAt)
	assert.Nil(t, window.OpenedByPrincipalID)

	require.ErrorIs(t, svc.Verify(ctx, transfer, principal, "4242"), ErrInvalid)
	require.NoError(t, svc.Verify(ctx, transfer, principal, "1234"))
}
