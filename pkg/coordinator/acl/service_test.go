package acl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
)

func setupStore(t *testing.T) *store.GORMStore {
	t.Helper()
	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixture struct {
	store   *store.GORMStore
	service *Service
	owner   models.Principal
	guest   models.Principal
	device  models.AgentDevice
	share   models.Share
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := setupStore(t)

	f := &fixture{
		store:   s,
		service: NewService(s),
		owner:   models.Principal{DisplayName: "Owner"},
		guest:   models.Principal{DisplayName: "Guest"},
	}
	require.NoError(t, s.CreatePrincipal(ctx, &f.owner))
	require.NoError(t, s.CreatePrincipal(ctx, &f.guest))

	f.device = models.AgentDevice{
		OwnerPrincipalID: f.owner.ID,
		Name:             "owner-laptop",
		BaseURL:          "http://127.0.0.1:7001",
		Visibility:       true,
	}
	require.NoError(t, s.CreateAgentDevice(ctx, &f.device))

	f.share = models.Share{
		AgentDeviceID: f.device.ID,
		Name:          "Home",
		RootPath:      "/srv/home",
	}
	require.NoError(t, s.CreateShare(ctx, &f.share))
	return f
}

func TestNormalizeDropsUnknownTokens(t *testing.T) {
	set := Normalize([]string{" read ", "download", "sudo", "", "read"})
	assert.Equal(t, []string{"download", "read"}, set.Sorted())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := Encode(Set{PermRequestSend: {}, PermRead: {}})
	assert.Equal(t, "read,request_send", raw)
	assert.Equal(t, []string{"read", "request_send"}, Decode(raw).Sorted())
	assert.Empty(t, Decode("").Sorted())
	assert.Empty(t, Decode("bogus,fake").Sorted())
}

func TestOwnerBypassesGrants(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	// Even a restrictive grant row cannot reduce the owner's set.
	require.NoError(t, f.service.Grant(ctx, f.owner.ID, f.share.ID, Set{PermRead: {}}))

	perms, err := f.service.PermissionsForShare(ctx, f.owner.ID, &f.share, "")
	require.NoError(t, err)
	assert.Equal(t, OwnerSet().Sorted(), perms.Sorted())
}

func TestNonOwnerWithoutGrantGetsNothing(t *testing.T) {
	f := setupFixture(t)

	perms, err := f.service.PermissionsForShare(context.Background(), f.guest.ID, &f.share, "")
	require.NoError(t, err)
	assert.Empty(t, perms.Sorted())
}

func TestGrantAndRequirePermission(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.service.RequirePermission(ctx, f.guest.ID, &f.share, PermRead)
	require.ErrorIs(t, err, models.ErrPermissionDenied)

	require.NoError(t, f.service.Grant(ctx, f.guest.ID, f.share.ID, Set{PermRead: {}}))

	perms, err := f.service.RequirePermission(ctx, f.guest.ID, &f.share, PermRead)
	require.NoError(t, err)
	assert.False(t, perms.Has(PermDownload))

	_, err = f.service.RequirePermission(ctx, f.guest.ID, &f.share, PermDownload)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestGrantOverwritesInPlace(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.Grant(ctx, f.guest.ID, f.share.ID, Set{PermRead: {}}))
	require.NoError(t, f.service.Grant(ctx, f.guest.ID, f.share.ID, DefaultExternalSet()))

	grant, err := f.store.GetGrant(ctx, f.guest.ID, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, "download,read,request_send", grant.PermissionsRaw)
}

func TestEnsureDefaultGrantsForShare(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.EnsureDefaultGrantsForShare(ctx, &f.share, f.owner.ID))

	// Guest got the default; the owner got no row.
	grant, err := f.store.GetGrant(ctx, f.guest.ID, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, "download,read,request_send", grant.PermissionsRaw)

	_, err = f.store.GetGrant(ctx, f.owner.ID, f.share.ID)
	require.ErrorIs(t, err, models.ErrGrantNotFound)

	// Re-running does not clobber an existing grant.
	require.NoError(t, f.service.Grant(ctx, f.guest.ID, f.share.ID, Set{PermRead: {}}))
	require.NoError(t, f.service.EnsureDefaultGrantsForShare(ctx, &f.share, f.owner.ID))
	grant, err = f.store.GetGrant(ctx, f.guest.ID, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, "read", grant.PermissionsRaw)
}

func TestEnsureDefaultGrantsForPrincipal(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	newcomer := models.Principal{DisplayName: "Newcomer"}
	require.NoError(t, f.store.CreatePrincipal(ctx, &newcomer))

	require.NoError(t, f.service.EnsureDefaultGrantsForPrincipal(ctx, newcomer.ID))

	grant, err := f.store.GetGrant(ctx, newcomer.ID, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, "download,read,request_send", grant.PermissionsRaw)

	// The owner never grants against its own shares.
	require.NoError(t, f.service.EnsureDefaultGrantsForPrincipal(ctx, f.owner.ID))
	_, err = f.store.GetGrant(ctx, f.owner.ID, f.share.ID)
	require.ErrorIs(t, err, models.ErrGrantNotFound)
}

func TestPermissionsForSharesBulk(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	other := models.Share{AgentDeviceID: f.device.ID, Name: "Media", RootPath: "/srv/media"}
	require.NoError(t, f.store.CreateShare(ctx, &other))
	require.NoError(t, f.service.Grant(ctx, f.guest.ID, other.ID, Set{PermRead: {}, PermDownload: {}}))

	owners := map[string]string{f.share.ID: f.owner.ID, other.ID: f.owner.ID}

	byShare, err := f.service.PermissionsForShares(ctx, f.guest.ID, []models.Share{f.share, other}, owners)
	require.NoError(t, err)
	assert.Empty(t, byShare[f.share.ID].Sorted())
	assert.Equal(t, []string{"download", "read"}, byShare[other.ID].Sorted())

	byShare, err = f.service.PermissionsForShares(ctx, f.owner.ID, []models.Share{f.share, other}, owners)
	require.NoError(t, err)
	assert.Equal(t, OwnerSet().Sorted(), byShare[f.share.ID].Sorted())
	assert.Equal(t, OwnerSet().Sorted(), byShare[other.ID].Sorted())
}
