package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"control-monitor/internal/backup"
	"control-monitor/internal/db"
	"control-monitor/internal/model"
)

func (m *Monitor) backupLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.cfg.Monitoring.BackupInterval):
			if _, err := m.PerformBackup(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("scheduled backup failed", "err", err)
			}
		}
	}
}

// PerformBackup writes a consistent snapshot of the store into the backup
// directory and prunes old snapshots beyond the configured count.
func (m *Monitor) PerformBackup(ctx context.Context) (model.BackupRecord, error) {
	if err := m.disabled(); err != nil {
		return model.BackupRecord{}, err
	}
	dir := m.cfg.BackupDirectory()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.BackupRecord{}, errors.Annotatef(err, "create backup directory %s", dir)
	}
	at := m.clock.Now()
	raw := filepath.Join(dir, fmt.Sprintf(".snapshot-%d.db", time.Now().UnixNano()))
	defer os.Remove(raw)

	m.writeMu.Lock()
	err := m.store.VacuumInto(ctx, raw)
	m.writeMu.Unlock()
	if err != nil {
		m.health.Report(err, "")
		return model.BackupRecord{}, errors.Trace(err)
	}

	rec, err := backup.Write(raw, dir, m.compression, at)
	if err != nil {
		m.health.Report(err, "")
		return model.BackupRecord{}, errors.Trace(err)
	}
	m.metrics.BackedUp()
	m.logger.Info("backup written", "file", rec.Filename, "size", rec.Size, "compressed", rec.Compressed)

	if removed, err := backup.Prune(dir, m.cfg.Monitoring.BackupKeep); err != nil {
		m.logger.Warn("pruning backups failed", "err", err)
	} else if len(removed) > 0 {
		m.logger.Debug("pruned backups", "removed", removed)
	}
	return rec, nil
}

// ListBackups returns the snapshots in the backup directory, newest first.
func (m *Monitor) ListBackups() ([]model.BackupRecord, error) {
	return backup.List(m.cfg.BackupDirectory())
}

// RestoreFromBackup replaces the store content with the snapshot at path.
// A relative path is looked up in the backup directory first. A snapshot
// with a checksum sidecar must match it. The restore refuses to
// run while the write path is busy.
func (m *Monitor) RestoreFromBackup(ctx context.Context, path string) error {
	if err := m.disabled(); err != nil {
		return err
	}
	if !m.writeMu.TryLock() {
		return errors.WithType(errors.Errorf("restore of %s while a write is in progress", filepath.Base(path)), model.ErrRestoreConflict)
	}
	defer m.writeMu.Unlock()

	if !filepath.IsAbs(path) {
		if inDir := filepath.Join(m.cfg.BackupDirectory(), path); fileExists(inDir) {
			path = inDir
		}
	}
	verified, err := backup.Verify(path)
	if err != nil {
		return errors.Trace(err)
	}
	if !verified {
		m.logger.Warn("restoring snapshot without checksum", "file", path)
	}

	staged := filepath.Join(filepath.Dir(m.store.Path()), fmt.Sprintf(".restore-%d.db", time.Now().UnixNano()))
	defer os.Remove(staged)
	if err := backup.Extract(path, staged); err != nil {
		return errors.Trace(err)
	}
	if err := checkSnapshot(ctx, staged); err != nil {
		return err
	}
	if err := m.store.Replace(staged); err != nil {
		m.health.Report(err, "")
		return errors.Trace(err)
	}
	if days, ok := m.storedRetention(ctx); ok {
		m.mu.Lock()
		m.retentionDays = days
		m.mu.Unlock()
	}
	m.logger.Info("store restored", "from", path)
	return nil
}

// checkSnapshot opens a staged restore file and runs the structural
// check on it.
func checkSnapshot(ctx context.Context, path string) error {
	snap, err := db.Open(path)
	if err != nil {
		return errors.WithType(errors.Annotate(err, "open snapshot"), model.ErrCorruptionDetected)
	}
	defer snap.Close()
	return errors.Trace(snap.QuickCheck(ctx))
}

// ExportData writes every persisted event to path as a portable document.
// It returns the number of events written.
func (m *Monitor) ExportData(ctx context.Context, path string) (int, error) {
	if err := m.disabled(); err != nil {
		return 0, err
	}
	doc := backup.NewDocument(m.clock.Now(), m.RetentionDays())
	err := m.store.ForEach(ctx, func(e model.PersistedEvent) error {
		doc.Add(e)
		return nil
	})
	if err != nil {
		return 0, errors.Annotate(err, "export events")
	}
	if err := backup.WriteDocument(path, doc); err != nil {
		return 0, errors.Trace(err)
	}
	m.logger.Info("events exported", "file", path, "events", len(doc.Events))
	return len(doc.Events), nil
}

// ImportData appends the events of a document written by ExportData. The
// document is validated completely before anything is written.
func (m *Monitor) ImportData(ctx context.Context, path string) (int, error) {
	if err := m.disabled(); err != nil {
		return 0, err
	}
	doc, err := backup.ReadDocument(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	rows, err := doc.Rows()
	if err != nil {
		return 0, errors.Trace(err)
	}
	m.writeMu.Lock()
	err = m.store.InsertRows(ctx, rows)
	m.writeMu.Unlock()
	if err != nil {
		m.health.Report(err, "")
		return 0, errors.Annotate(err, "import events")
	}
	m.logger.Info("events imported", "file", path, "events", len(rows))
	return len(rows), nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
