package files

import (
	"context"
	"fmt"
	"strings"

	"github.com/canonical/sqlair"

	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
	"github.com/patrakosh/patrakosh/internal/sched"
	"github.com/patrakosh/patrakosh/internal/txn"
)

// Downloaded is a file record together with its content.
type Downloaded struct {
	Record model.FileRecord
	Data   []byte
}

// Download returns the record and content of fileID.
func (s *Service) Download(ctx context.Context, fileID int64) (rec model.FileRecord, data []byte, err error) {
	defer s.observe("download", &err)()

	rec, err = s.lookup(ctx, fileID)
	if err != nil {
		return model.FileRecord{}, nil, err
	}
	data, err = s.blobs.Get(ctx, rec.Locator)
	if err != nil {
		return model.FileRecord{}, nil, errs.StorageReadFailed(rec.Locator, err)
	}

	s.audit.Append(ctx, rec.OwnerID, model.ActionDownload, model.ResourceFile, rec.ID, rec.Name)
	s.metrics.RecordDownload(int64(len(data)))
	return rec, data, nil
}

// DownloadAsync runs Download on the download pool.
func (s *Service) DownloadAsync(ctx context.Context, fileID int64) *sched.Future[Downloaded] {
	name := fmt.Sprintf("download %d", fileID)
	return sched.Submit(s.scheduler, sched.Download, name, func(taskCtx context.Context) (Downloaded, error) {
		ctx, cancel := joinContext(taskCtx, ctx)
		defer cancel()
		rec, data, err := s.Download(ctx, fileID)
		return Downloaded{Record: rec, Data: data}, err
	})
}

// Delete removes fileID. Metadata, committed usage and the activity entry go
// in one transaction; the ledger, caches and physical bytes follow after
// commit. A failure to delete the bytes is reported as StorageWriteFailed
// although the file is already gone from metadata.
func (s *Service) Delete(ctx context.Context, fileID int64) (err error) {
	defer s.observe("delete", &err)()

	rec, err := s.lookup(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.ledger.BeginFree(ctx, rec.OwnerID, rec.Size); err != nil {
		return err
	}

	err = txn.RunVoid(ctx, s.runner, func(ctx context.Context, _ *sqlair.TX) error {
		deleted, err := s.files.Delete(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return errs.NotFound("file", rec.ID)
		}
		if err := s.accounts.AdjustUsage(ctx, rec.OwnerID, -rec.Size); err != nil {
			return err
		}
		s.audit.Append(ctx, rec.OwnerID, model.ActionDelete, model.ResourceFile, rec.ID, rec.Name)
		return nil
	})
	s.ledger.EndFree(rec.OwnerID, rec.Size, err == nil)
	if err != nil {
		// A concurrent delete may have won; do not serve the stale entry again.
		s.records.Remove(rec.ID)
		return err
	}

	s.records.Remove(rec.ID)
	s.forgetFingerprint(ctx, rec.Fingerprint)

	if err := s.blobs.Delete(ctx, rec.Locator); err != nil {
		s.audit.LogOrphan(rec.Locator, "delete after metadata removal", err)
		s.metrics.RecordOrphan()
		return errs.StorageWriteFailed(rec.Locator, fmt.Errorf("file %d metadata already removed: %w", rec.ID, err))
	}

	s.logger.Info().Int64("file_id", rec.ID).Int64("user_id", rec.OwnerID).Int64("size", rec.Size).Msg("File deleted")
	return nil
}

// forgetFingerprint drops fp from the index once no record holds it.
func (s *Service) forgetFingerprint(ctx context.Context, fp string) {
	n, err := s.files.CountByFingerprint(ctx, fp)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fp).Msg("Failed to count fingerprint references")
		return
	}
	if n == 0 {
		s.fingerprints.Remove(fp)
	}
}

// Rename changes the logical name of fileID. The physical key is unchanged.
func (s *Service) Rename(ctx context.Context, fileID int64, newName string) (rec model.FileRecord, err error) {
	defer s.observe("rename", &err)()

	newName = strings.TrimSpace(newName)
	if err := validateName(newName); err != nil {
		return model.FileRecord{}, err
	}
	current, err := s.lookup(ctx, fileID)
	if err != nil {
		return model.FileRecord{}, err
	}

	epoch := s.records.Epoch()
	rec, err = txn.Run(ctx, s.runner, func(ctx context.Context, _ *sqlair.TX) (model.FileRecord, error) {
		rec := current
		rec.Name = newName
		rec.UpdatedAt = s.now()
		if err := s.files.Update(ctx, rec); err != nil {
			return model.FileRecord{}, err
		}
		s.audit.Append(ctx, rec.OwnerID, model.ActionRename, model.ResourceFile, rec.ID,
			fmt.Sprintf("%s -> %s", current.Name, newName))
		return rec, nil
	})
	if err != nil {
		s.records.Remove(fileID)
		return model.FileRecord{}, err
	}

	s.records.Fill(epoch, rec)
	return rec, nil
}

// ListByOwner returns every record of userID, most recently updated first.
func (s *Service) ListByOwner(ctx context.Context, userID int64) ([]model.FileRecord, error) {
	epoch := s.records.Epoch()
	recs, err := s.files.FindByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.records.Fill(epoch, recs...)
	return recs, nil
}

// Search returns the records of userID whose name contains term,
// case-insensitively. An empty term lists everything.
func (s *Service) Search(ctx context.Context, userID int64, term string) ([]model.FileRecord, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return s.ListByOwner(ctx, userID)
	}
	return s.files.Search(ctx, userID, term)
}

// UsageStats summarises the storage consumption of userID.
func (s *Service) UsageStats(ctx context.Context, userID int64) (model.UsageStats, error) {
	used, err := s.ledger.Usage(ctx, userID)
	if err != nil {
		return model.UsageStats{}, err
	}
	limit, err := s.ledger.Limit(ctx, userID)
	if err != nil {
		return model.UsageStats{}, err
	}
	pct, err := s.ledger.UsagePercentage(ctx, userID)
	if err != nil {
		return model.UsageStats{}, err
	}
	approaching, err := s.ledger.IsApproachingLimit(ctx, userID)
	if err != nil {
		return model.UsageStats{}, err
	}
	recs, err := s.files.FindByOwner(ctx, userID)
	if err != nil {
		return model.UsageStats{}, err
	}

	return model.UsageStats{
		UserID:           userID,
		Used:             used,
		Quota:            limit,
		Percent:          pct,
		ApproachingLimit: approaching,
		FileCount:        len(recs),
	}, nil
}

// Activity returns the most recent activity entries of userID.
func (s *Service) Activity(ctx context.Context, userID int64, limit int) ([]model.ActivityEntry, error) {
	return s.activity.ForUser(ctx, userID, limit)
}
