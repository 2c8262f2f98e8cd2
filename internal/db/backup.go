package db

import (
	"context"
	"os"
	"strings"

	"github.com/juju/errors"
)

// VacuumInto writes a consistent, compacted copy of the database to dest.
// dest must not exist.
func (d *DB) VacuumInto(ctx context.Context, dest string) error {
	sqlDB, release, err := d.acquire()
	defer release()
	if err != nil {
		return err
	}
	quoted := "'" + strings.ReplaceAll(dest, "'", "''") + "'"
	if _, err := sqlDB.ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return errors.Annotatef(err, "snapshot database to %s", dest)
	}
	return nil
}

// Replace swaps the database file for src, which must be a SQLite file
// produced by VacuumInto. The pool is closed for the duration of the swap,
// so in-flight readers finish first and new ones wait. src is consumed on
// success. The pool is reopened whatever the outcome.
func (d *DB) Replace(src string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sql == nil {
		return ErrClosed
	}
	if err := d.sql.Close(); err != nil {
		return errors.Annotate(err, "close database for restore")
	}
	d.sql = nil

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := d.remove(d.path + suffix); err != nil && !os.IsNotExist(err) {
			return d.reopenLocked(errors.Annotatef(err, "remove %s%s", d.path, suffix))
		}
	}
	err := os.Rename(src, d.path)
	return d.reopenLocked(errors.Annotate(err, "move snapshot into place"))
}

// reopenLocked opens the pool on the current file and returns cause, or
// the open failure when there is one.
func (d *DB) reopenLocked(cause error) error {
	sqlDB, err := openSQL(d.path)
	if err != nil {
		return errors.Annotate(err, "reopen database after restore")
	}
	d.sql = sqlDB
	return cause
}
