// Package patch applies fix proposals to the project tree with a durable
// backup taken before every mutation.
package patch

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"healbot/internal/domain"
	apperrors "healbot/internal/errors"
	"healbot/internal/policy"
)

// RecordStore persists PatchRecords.
type RecordStore interface {
	InsertPatchRecord(ctx context.Context, rec domain.PatchRecord) (domain.PatchRecord, error)
	SetPatchOutcome(ctx context.Context, id int64, outcome domain.PatchOutcome, errMsg string, at time.Time) error
}

type Engine struct {
	root    string
	deny    *policy.DenyList
	backups BackupStore
	records RecordStore
	logger  logrus.FieldLogger
	now     func() time.Time

	locks sync.Map // resolved path -> *sync.Mutex
}

func NewEngine(root string, deny *policy.DenyList, backups BackupStore, records RecordStore, logger logrus.FieldLogger) *Engine {
	return &Engine{
		root:    root,
		deny:    deny,
		backups: backups,
		records: records,
		logger:  logger.WithField("component", "patch"),
		now:     time.Now,
	}
}

func (e *Engine) lock(path string) func() {
	m, _ := e.locks.LoadOrStore(path, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Apply patches each proposal in order. If any proposal fails, proposals
// already applied in this call are restored from their backups and marked
// rolled_back. The returned records reflect their final outcomes.
func (e *Engine) Apply(ctx context.Context, reportID string, proposals []domain.FixProposal) ([]domain.PatchRecord, error) {
	var records []domain.PatchRecord
	for i, p := range proposals {
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, reportID, records, apperrors.PatchApplyFailure(err, "apply cancelled"))
		}
		rec, err := e.applyOne(ctx, reportID, p)
		if rec.ID != 0 {
			records = append(records, rec)
		}
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"report": reportID,
				"file":   p.File,
				"index":  i,
			}).Warn("patch failed")
			var applied []domain.PatchRecord
			for _, r := range records {
				if r.Outcome == domain.PatchApplied {
					applied = append(applied, r)
				}
			}
			rolled, rbErr := e.rollbackBatch(ctx, applied)
			records = mergeRecords(records, rolled)
			if rbErr != nil {
				return records, apperrors.PatchApplyFailure(rbErr, fmt.Sprintf("rollback after failure (%v)", err))
			}
			return records, err
		}
	}
	return records, nil
}

func (e *Engine) abort(ctx context.Context, reportID string, records []domain.PatchRecord, cause error) ([]domain.PatchRecord, error) {
	rolled, err := e.rollbackBatch(context.WithoutCancel(ctx), records)
	records = mergeRecords(records, rolled)
	if err != nil {
		return records, apperrors.PatchApplyFailure(err, fmt.Sprintf("rollback after failure (%v)", cause))
	}
	return records, cause
}

func (e *Engine) applyOne(ctx context.Context, reportID string, p domain.FixProposal) (domain.PatchRecord, error) {
	if err := e.deny.CheckPath(p.File); err != nil {
		return domain.PatchRecord{}, err
	}
	target, err := policy.ResolveWithin(e.root, p.File)
	if err != nil {
		return domain.PatchRecord{}, err
	}

	unlock := e.lock(target)
	defer unlock()

	info, err := os.Lstat(target)
	if err != nil {
		return domain.PatchRecord{}, apperrors.PatchApplyFailure(err, "stat "+p.File)
	}
	if !info.Mode().IsRegular() {
		return domain.PatchRecord{}, apperrors.PatchApplyFailure(nil, p.File+" is not a regular file")
	}
	original, err := os.ReadFile(target)
	if err != nil {
		return domain.PatchRecord{}, apperrors.PatchApplyFailure(err, "read "+p.File)
	}
	if !bytes.Contains(original, []byte(p.SearchFor)) {
		return domain.PatchRecord{}, apperrors.SearchTextNotFound(p.File)
	}

	now := e.now()
	location, err := e.backups.Save(ctx, BackupKey(reportID, p.File, now), original)
	if err != nil {
		return domain.PatchRecord{}, apperrors.PatchApplyFailure(err, "backup "+p.File)
	}
	rec, err := e.records.InsertPatchRecord(ctx, domain.PatchRecord{
		ReportID:       reportID,
		File:           p.File,
		BackupLocation: location,
		Outcome:        domain.PatchPending,
		CreatedAt:      now,
	})
	if err != nil {
		return domain.PatchRecord{}, err
	}
	e.logger.WithFields(logrus.Fields{"report": reportID, "file": p.File, "backup": location}).Info("backup saved")

	patched := bytes.Replace(original, []byte(p.SearchFor), []byte(p.ReplaceWith), 1)
	if err := writeAtomic(target, patched, info.Mode().Perm()); err != nil {
		return e.fail(ctx, rec, apperrors.PatchApplyFailure(err, "write "+p.File))
	}

	appliedAt := e.now()
	if err := e.records.SetPatchOutcome(ctx, rec.ID, domain.PatchApplied, "", appliedAt); err != nil {
		// the target was touched; put the original back before reporting
		if werr := writeAtomic(target, original, info.Mode().Perm()); werr != nil {
			e.logger.WithError(werr).WithField("file", p.File).Error("failed to restore original after bookkeeping error")
		}
		return e.fail(ctx, rec, err)
	}
	rec.Outcome = domain.PatchApplied
	rec.AppliedAt = appliedAt
	return rec, nil
}

func (e *Engine) fail(ctx context.Context, rec domain.PatchRecord, cause error) (domain.PatchRecord, error) {
	rec.Outcome = domain.PatchFailed
	rec.Error = cause.Error()
	if err := e.records.SetPatchOutcome(context.WithoutCancel(ctx), rec.ID, domain.PatchFailed, rec.Error, e.now()); err != nil {
		e.logger.WithError(err).WithField("record", rec.ID).Error("failed to mark patch record failed")
	}
	return rec, cause
}

// rollbackBatch restores records in reverse order.
func (e *Engine) rollbackBatch(ctx context.Context, records []domain.PatchRecord) ([]domain.PatchRecord, error) {
	var out []domain.PatchRecord
	var firstErr error
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome != domain.PatchApplied {
			continue
		}
		rec, err := e.Restore(ctx, records[i])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	return out, firstErr
}

// Restore writes the backup of an applied record back to its target and
// marks the record rolled_back.
func (e *Engine) Restore(ctx context.Context, rec domain.PatchRecord) (domain.PatchRecord, error) {
	if rec.Outcome != domain.PatchApplied {
		return rec, apperrors.PatchApplyFailure(nil, fmt.Sprintf("patch record %d is %s, not applied", rec.ID, rec.Outcome))
	}
	target, err := policy.ResolveWithin(e.root, rec.File)
	if err != nil {
		return rec, err
	}

	unlock := e.lock(target)
	defer unlock()

	data, err := e.backups.Load(ctx, rec.BackupLocation)
	if err != nil {
		return rec, apperrors.PatchApplyFailure(err, "load backup "+rec.BackupLocation)
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Lstat(target); err == nil {
		if !info.Mode().IsRegular() {
			return rec, apperrors.PatchApplyFailure(nil, rec.File+" is not a regular file")
		}
		mode = info.Mode().Perm()
	}
	if err := writeAtomic(target, data, mode); err != nil {
		return rec, apperrors.PatchApplyFailure(err, "restore "+rec.File)
	}

	at := e.now()
	if err := e.records.SetPatchOutcome(ctx, rec.ID, domain.PatchRolledBack, "", at); err != nil {
		return rec, err
	}
	rec.Outcome = domain.PatchRolledBack
	rec.RolledBackAt = at
	e.logger.WithFields(logrus.Fields{"report": rec.ReportID, "file": rec.File, "record": rec.ID}).Info("patch rolled back")
	return rec, nil
}

func mergeRecords(records, updated []domain.PatchRecord) []domain.PatchRecord {
	byID := make(map[int64]domain.PatchRecord, len(updated))
	for _, r := range updated {
		byID[r.ID] = r
	}
	for i, r := range records {
		if u, ok := byID[r.ID]; ok {
			records[i] = u
		}
	}
	return records
}

// writeAtomic replaces path through a temp file and rename in the same directory.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".healbot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
