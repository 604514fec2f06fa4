package files

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
)

func TestPublicShare(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.account(t, "alice", 1000)

	rec, err := h.svc.Upload(ctx, alice, "photo.png", strings.NewReader("png"))
	require.NoError(t, err)

	share, err := h.svc.Share(ctx, rec.ID, alice, 0, true, nil)
	require.NoError(t, err)
	assert.NotZero(t, share.ID)
	assert.NotEmpty(t, share.Token)
	assert.Zero(t, share.SharedWith)

	got, file, err := h.svc.ResolveShare(ctx, share.Token)
	require.NoError(t, err)
	assert.Equal(t, share.ID, got.ID)
	assert.Equal(t, rec.ID, file.ID)

	_, _, err = h.svc.ResolveShare(ctx, "no-such-token")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, _, err = h.svc.ResolveShare(ctx, "")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestShareExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.account(t, "alice", 1000)
	bob := h.account(t, "bob", 1000)

	rec, err := h.svc.Upload(ctx, alice, "a.txt", strings.NewReader("a"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	_, err = h.svc.Share(ctx, rec.ID, alice, 0, true, &past)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	soon := time.Now().Add(time.Hour)
	public, err := h.svc.Share(ctx, rec.ID, alice, 0, true, &soon)
	require.NoError(t, err)
	_, err = h.svc.Share(ctx, rec.ID, alice, bob, false, &soon)
	require.NoError(t, err)

	shares, err := h.svc.SharesForUser(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, shares, 1)

	later := time.Now().Add(2 * time.Hour).UTC()
	h.svc.now = func() time.Time { return later }

	_, _, err = h.svc.ResolveShare(ctx, public.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	shares, err = h.svc.SharesForUser(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestPrivateShareAndRevoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.account(t, "alice", 1000)
	bob := h.account(t, "bob", 1000)

	rec, err := h.svc.Upload(ctx, alice, "a.txt", strings.NewReader("a"))
	require.NoError(t, err)

	_, err = h.svc.Share(ctx, rec.ID, alice, 0, false, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "private share without recipient")
	_, err = h.svc.Share(ctx, rec.ID, alice, alice, false, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "share with self")
	_, err = h.svc.Share(ctx, rec.ID, bob, alice, false, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput, "share by non-owner")
	_, err = h.svc.Share(ctx, 9999, alice, bob, false, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	share, err := h.svc.Share(ctx, rec.ID, alice, bob, false, nil)
	require.NoError(t, err)
	assert.Empty(t, share.Token)

	shares, err := h.svc.SharesForUser(ctx, bob)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, rec.ID, shares[0].FileID)

	assert.ErrorIs(t, h.svc.RevokeShare(ctx, share.ID, bob), errs.ErrInvalidInput)
	require.NoError(t, h.svc.RevokeShare(ctx, share.ID, alice))
	assert.ErrorIs(t, h.svc.RevokeShare(ctx, share.ID, alice), errs.ErrNotFound)

	shares, err = h.svc.SharesForUser(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, shares)

	activity, err := h.svc.Activity(ctx, alice, 2)
	require.NoError(t, err)
	require.Len(t, activity, 2)
	assert.Equal(t, model.ActionRevokeShare, activity[0].Action)
	assert.Equal(t, model.ResourceShare, activity[0].ResourceType)
	assert.Equal(t, model.ActionShare, activity[1].Action)
}

func TestDeleteRemovesShares(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.account(t, "alice", 1000)
	bob := h.account(t, "bob", 1000)

	rec, err := h.svc.Upload(ctx, alice, "a.txt", strings.NewReader("a"))
	require.NoError(t, err)
	public, err := h.svc.Share(ctx, rec.ID, alice, 0, true, nil)
	require.NoError(t, err)
	_, err = h.svc.Share(ctx, rec.ID, alice, bob, false, nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, rec.ID))

	_, _, err = h.svc.ResolveShare(ctx, public.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	shares, err := h.svc.SharesForUser(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.account(t, "alice", 1000)

	_, err := h.svc.Login(ctx, 9999)
	assert.ErrorIs(t, err, errs.ErrAccountNotFound)

	session, err := h.svc.Login(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, session.UserID)
	assert.NotEmpty(t, session.Token)

	who, err := h.svc.Whoami(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session, who)

	assert.True(t, h.svc.Logout(ctx, session.Token))
	assert.False(t, h.svc.Logout(ctx, session.Token))

	_, err = h.svc.Whoami(session.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	activity, err := h.svc.Activity(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, activity, 2)
	assert.Equal(t, model.ActionLogout, activity[0].Action)
	assert.Equal(t, model.ActionLogin, activity[1].Action)
}
