package files

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"

	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
	"github.com/patrakosh/patrakosh/internal/txn"
)

// Share grants access to fileID. A public share gets a token anyone can
// resolve; otherwise the file is shared with the user sharedWith.
// expiresAt may be nil for a share that never expires.
func (s *Service) Share(ctx context.Context, fileID, sharedBy, sharedWith int64, public bool, expiresAt *time.Time) (share model.Share, err error) {
	defer s.observe("share", &err)()

	switch {
	case !public && sharedWith <= 0:
		return model.Share{}, errs.InvalidInput("a private share needs a recipient")
	case !public && sharedWith == sharedBy:
		return model.Share{}, errs.InvalidInput("cannot share a file with its owner")
	case expiresAt != nil && !expiresAt.After(s.now()):
		return model.Share{}, errs.InvalidInput("share expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}

	rec, err := s.lookup(ctx, fileID)
	if err != nil {
		return model.Share{}, err
	}
	if rec.OwnerID != sharedBy {
		return model.Share{}, errs.InvalidInput("user %d does not own file %d", sharedBy, fileID)
	}

	share = model.Share{
		FileID:    rec.ID,
		SharedBy:  sharedBy,
		Public:    public,
		CreatedAt: s.now(),
	}
	if public {
		share.Token = uuid.NewString()
	} else {
		share.SharedWith = sharedWith
	}
	if expiresAt != nil {
		t := expiresAt.UTC()
		share.ExpiresAt = &t
	}

	return txn.Run(ctx, s.runner, func(ctx context.Context, _ *sqlair.TX) (model.Share, error) {
		id, err := s.shares.Insert(ctx, share)
		if err != nil {
			return model.Share{}, err
		}
		share.ID = id
		s.audit.Append(ctx, sharedBy, model.ActionShare, model.ResourceFile, rec.ID, "Shared file")
		return share, nil
	})
}

// RevokeShare deletes shareID on behalf of userID, who must have created it.
func (s *Service) RevokeShare(ctx context.Context, shareID, userID int64) (err error) {
	defer s.observe("revoke_share", &err)()

	return txn.RunVoid(ctx, s.runner, func(ctx context.Context, _ *sqlair.TX) error {
		share, err := s.shares.FindByID(ctx, shareID)
		if err != nil {
			return err
		}
		if share.SharedBy != userID {
			return errs.InvalidInput("user %d did not create share %d", userID, shareID)
		}
		deleted, err := s.shares.Delete(ctx, shareID)
		if err != nil {
			return err
		}
		if !deleted {
			return errs.NotFound("share", shareID)
		}
		s.audit.Append(ctx, userID, model.ActionRevokeShare, model.ResourceShare, shareID, "")
		return nil
	})
}

// ResolveShare returns the public share issued with token and the file it
// grants. An expired share is reported as NotFound.
func (s *Service) ResolveShare(ctx context.Context, token string) (model.Share, model.FileRecord, error) {
	if token == "" {
		return model.Share{}, model.FileRecord{}, errs.InvalidInput("share token must not be empty")
	}
	share, err := s.shares.FindByToken(ctx, token)
	if err != nil {
		return model.Share{}, model.FileRecord{}, err
	}
	if share.Expired(s.now()) {
		return model.Share{}, model.FileRecord{}, errs.NotFound("share", "token")
	}
	rec, err := s.lookup(ctx, share.FileID)
	if err != nil {
		return model.Share{}, model.FileRecord{}, err
	}
	return share, rec, nil
}

// SharesForUser returns the unexpired shares granted to userID.
func (s *Service) SharesForUser(ctx context.Context, userID int64) ([]model.Share, error) {
	all, err := s.shares.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := all[:0]
	for _, share := range all {
		if !share.Expired(now) {
			out = append(out, share)
		}
	}
	return out, nil
}
