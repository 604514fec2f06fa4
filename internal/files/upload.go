package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/canonical/sqlair"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
	"github.com/patrakosh/patrakosh/internal/sched"
	"github.com/patrakosh/patrakosh/internal/txn"
)

// MaxNameLength is the longest logical file name accepted.
const MaxNameLength = 255

// UploadItem is one file of a batch upload.
type UploadItem struct {
	Name    string
	Content io.Reader
}

// UploadResult is the outcome of one UploadItem.
type UploadResult struct {
	Record model.FileRecord
	Err    error
}

// payload is validated upload content.
type payload struct {
	data        []byte
	fingerprint string
	contentType string
}

// Upload stores content under name for userID and returns the committed record.
func (s *Service) Upload(ctx context.Context, userID int64, name string, content io.Reader) (rec model.FileRecord, err error) {
	defer s.observe("upload", &err)()

	if userID <= 0 {
		return model.FileRecord{}, errs.InvalidInput("user id must be positive: %d", userID)
	}
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return model.FileRecord{}, err
	}
	p, err := readPayload(name, content)
	if err != nil {
		return model.FileRecord{}, err
	}

	rec = model.FileRecord{
		OwnerID:     userID,
		Version:     1,
		Name:        name,
		Size:        int64(len(p.data)),
		Fingerprint: p.fingerprint,
		ContentType: p.contentType,
	}
	return s.store(ctx, rec, p, model.ActionUpload)
}

// UploadVersion stores content as the next version of the file fileID belongs to.
func (s *Service) UploadVersion(ctx context.Context, fileID int64, content io.Reader) (rec model.FileRecord, err error) {
	defer s.observe("upload_version", &err)()

	current, err := s.lookup(ctx, fileID)
	if err != nil {
		return model.FileRecord{}, err
	}
	p, err := readPayload(current.Name, content)
	if err != nil {
		return model.FileRecord{}, err
	}

	rec = model.FileRecord{
		OwnerID:     current.OwnerID,
		LineageID:   current.LineageID,
		Name:        current.Name,
		Size:        int64(len(p.data)),
		Fingerprint: p.fingerprint,
		ContentType: p.contentType,
	}
	return s.store(ctx, rec, p, model.ActionNewVersion)
}

// UploadAsync runs Upload on the upload pool.
func (s *Service) UploadAsync(ctx context.Context, userID int64, name string, content io.Reader) *sched.Future[model.FileRecord] {
	return sched.Submit(s.scheduler, sched.Upload, "upload "+name, func(taskCtx context.Context) (model.FileRecord, error) {
		ctx, cancel := joinContext(taskCtx, ctx)
		defer cancel()
		return s.Upload(ctx, userID, name, content)
	})
}

// UploadMany uploads every item on the upload pool and waits for all of them.
// Results are in input order; the returned error is the first failure.
func (s *Service) UploadMany(ctx context.Context, userID int64, items []UploadItem) ([]UploadResult, error) {
	results := make([]UploadResult, len(items))
	var g errgroup.Group
	for i, item := range items {
		f := s.UploadAsync(ctx, userID, item.Name, item.Content)
		g.Go(func() error {
			rec, err := f.Wait(ctx)
			results[i] = UploadResult{Record: rec, Err: err}
			if err != nil {
				return fmt.Errorf("upload %q: %w", item.Name, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// Versions lists every version of the file fileID belongs to, oldest first.
func (s *Service) Versions(ctx context.Context, fileID int64) ([]model.FileRecord, error) {
	rec, err := s.lookup(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.files.FindLineage(ctx, rec.LineageID)
}

// store writes the bytes of p and commits rec. rec.LineageID of zero starts a
// new lineage; otherwise the version is assigned inside the transaction.
func (s *Service) store(ctx context.Context, rec model.FileRecord, p payload, action string) (model.FileRecord, error) {
	claimed, err := s.claimFingerprint(ctx, p.fingerprint)
	if err != nil {
		return model.FileRecord{}, err
	}
	releaseClaim := func() {
		if claimed {
			s.fingerprints.Remove(p.fingerprint)
		}
	}

	key, err := s.writeBlob(ctx, rec.OwnerID, rec.Name, p.data)
	if err != nil {
		releaseClaim()
		return model.FileRecord{}, err
	}
	rec.Locator = key

	epoch := s.records.Epoch()
	committed, err := s.commit(ctx, rec, action)
	if err != nil {
		releaseClaim()
		s.audit.LogOrphan(key, "commit of "+strings.ToLower(action)+" failed", err)
		s.metrics.RecordOrphan()
		return model.FileRecord{}, err
	}

	s.records.Fill(epoch, committed)
	s.fingerprints.Add(committed.Fingerprint)
	s.metrics.RecordUpload(committed.Size)
	s.logger.Info().
		Int64("file_id", committed.ID).
		Int64("user_id", committed.OwnerID).
		Int("version", committed.Version).
		Int64("size", committed.Size).
		Msg("File stored")
	return committed, nil
}

// claimFingerprint takes the at-most-once claim on fp when duplicates are
// rejected. It reports whether a claim was taken.
func (s *Service) claimFingerprint(ctx context.Context, fp string) (bool, error) {
	if !s.rejectDuplicates {
		return false, nil
	}
	if !s.fingerprints.Add(fp) {
		return false, errs.DuplicateContent(fp)
	}
	// The index is bounded, so an absent entry does not prove the content is new.
	n, err := s.files.CountByFingerprint(ctx, fp)
	if err != nil {
		s.fingerprints.Remove(fp)
		return false, err
	}
	if n > 0 {
		return false, errs.DuplicateContent(fp)
	}
	return true, nil
}

// commit reserves quota and writes rec, the usage change and the activity
// entry in one transaction. The reservation is committed to the ledger with
// the transaction and released if it does not commit.
func (s *Service) commit(ctx context.Context, rec model.FileRecord, action string) (model.FileRecord, error) {
	if err := s.ledger.ReserveAndCheck(ctx, rec.OwnerID, rec.Size); err != nil {
		var qe *errs.QuotaExceededError
		if errors.As(err, &qe) {
			s.audit.LogQuota(qe.UserID, qe.Used, qe.Quota, qe.Requested)
		}
		return model.FileRecord{}, err
	}

	now := s.now()
	committed, err := txn.Run(ctx, s.runner, func(ctx context.Context, _ *sqlair.TX) (model.FileRecord, error) {
		if rec.LineageID != 0 {
			v, err := s.files.NextVersion(ctx, rec.LineageID)
			if err != nil {
				return model.FileRecord{}, err
			}
			rec.Version = v
		}
		rec.CreatedAt, rec.UpdatedAt = now, now

		id, err := s.files.Insert(ctx, rec)
		if err != nil {
			return model.FileRecord{}, err
		}
		rec.ID = id
		if rec.LineageID == 0 {
			rec.LineageID = id
		}

		if err := s.accounts.AdjustUsage(ctx, rec.OwnerID, rec.Size); err != nil {
			return model.FileRecord{}, err
		}
		s.audit.Append(ctx, rec.OwnerID, action, model.ResourceFile, rec.ID, rec.Name)
		return rec, nil
	})
	if err != nil {
		s.ledger.Release(rec.OwnerID, rec.Size)
		return model.FileRecord{}, err
	}
	s.ledger.Commit(rec.OwnerID, rec.Size)
	return committed, nil
}

// writeBlob stores data under the first free key for name and returns the key.
func (s *Service) writeBlob(ctx context.Context, userID int64, name string, data []byte) (string, error) {
	key, release, err := s.claimKey(ctx, userID, name)
	if err != nil {
		return "", errs.StorageWriteFailed(key, err)
	}
	defer release()

	if err := s.blobs.Put(ctx, key, data); err != nil {
		return "", errs.StorageWriteFailed(key, err)
	}
	return key, nil
}

// claimKey picks users/<id>/<name>, or <base>_<n><ext> when that is taken.
// Keys handed out but not yet written stay reserved until release is called.
func (s *Service) claimKey(ctx context.Context, userID int64, name string) (key string, release func(), err error) {
	base := path.Join("users", strconv.FormatInt(userID, 10), name)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(base, ext)

	for n := 0; ; n++ {
		k := base
		if n > 0 {
			k = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		if !s.reserveKey(k) {
			continue
		}

		exists, err := s.blobs.Exists(ctx, k)
		if err != nil {
			s.releaseKey(k)
			return k, nil, err
		}
		if !exists {
			return k, func() { s.releaseKey(k) }, nil
		}
		s.releaseKey(k)
	}
}

func (s *Service) reserveKey(key string) bool {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if _, busy := s.pendingKeys[key]; busy {
		return false
	}
	s.pendingKeys[key] = struct{}{}
	return true
}

func (s *Service) releaseKey(key string) {
	s.keysMu.Lock()
	delete(s.pendingKeys, key)
	s.keysMu.Unlock()
}

func validateName(name string) error {
	switch {
	case name == "":
		return errs.InvalidInput("file name must not be empty")
	case len(name) > MaxNameLength:
		return errs.InvalidInput("file name longer than %d bytes", MaxNameLength)
	case name == "." || name == "..":
		return errs.InvalidInput("file name %q is reserved", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return errs.InvalidInput("file name %q contains a path separator", name)
	}
	return nil
}

func readPayload(name string, content io.Reader) (payload, error) {
	if content == nil {
		return payload{}, errs.InvalidInput("content must not be nil")
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return payload{}, errs.UnreadableContent(name, err)
	}
	return payload{
		data:        data,
		fingerprint: digest.FromBytes(data).String(),
		contentType: detectContentType(name, data),
	}, nil
}

// detectContentType uses the extension, falling back to sniffing the content.
func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
