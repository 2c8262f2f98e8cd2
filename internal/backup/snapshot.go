// Package backup manages snapshot files of the event store: naming,
// streaming compression, checksum sidecars, listing and pruning. It also
// holds the portable export document codecs.
package backup

import (
	"bufio"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"control-monitor/internal/model"
)

// Compression selects how a snapshot file is compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression accepts none, zstd and lz4. Empty means zstd.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CompressionZstd, nil
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return c, nil
	}
	return "", errors.NotValidf("compression %q", s)
}

// Ext is the file suffix appended after ".db".
func (c Compression) Ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	}
	return ""
}

const (
	prefix         = "events-"
	timeLayout     = "20060102T150405.000Z"
	dbExt          = ".db"
	ChecksumSuffix = ".blake3"
)

// FileName derives a snapshot name from its creation time.
func FileName(at time.Time, c Compression) string {
	return prefix + at.UTC().Format(timeLayout) + dbExt + c.Ext()
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (time.Time, Compression, bool) {
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	c := CompressionNone
	for _, cand := range []Compression{CompressionZstd, CompressionLZ4} {
		if strings.HasSuffix(rest, dbExt+cand.Ext()) {
			c = cand
			break
		}
	}
	stamp, ok := strings.CutSuffix(rest, dbExt+c.Ext())
	if !ok {
		return time.Time{}, "", false
	}
	at, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, "", false
	}
	return at, c, true
}

// Write copies the database file src into dir as a snapshot named for at,
// compressing it with c, and writes a checksum sidecar next to it. The
// snapshot appears atomically under its final name.
func Write(src, dir string, c Compression, at time.Time) (model.BackupRecord, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.BackupRecord{}, errors.Annotatef(err, "create backup directory %s", dir)
	}
	in, err := os.Open(src)
	if err != nil {
		return model.BackupRecord{}, errors.Annotate(err, "open snapshot source")
	}
	defer in.Close()

	name := FileName(at, c)
	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return model.BackupRecord{}, errors.Annotate(err, "create snapshot file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := blake3.New()
	out := io.MultiWriter(tmp, hasher)
	if err := compress(out, in, c); err != nil {
		return model.BackupRecord{}, errors.Annotatef(err, "write snapshot %s", name)
	}
	if err := tmp.Sync(); err != nil {
		return model.BackupRecord{}, errors.Annotate(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return model.BackupRecord{}, errors.Annotate(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return model.BackupRecord{}, errors.Annotate(err, "rename snapshot")
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(final+ChecksumSuffix, []byte(sum+"  "+name+"\n"), 0o644); err != nil {
		return model.BackupRecord{}, errors.Annotate(err, "write checksum")
	}
	st, err := os.Stat(final)
	if err != nil {
		return model.BackupRecord{}, errors.Trace(err)
	}
	return model.BackupRecord{
		Filename:   name,
		Path:       final,
		CreatedAt:  at.UTC().Truncate(time.Millisecond),
		Size:       st.Size(),
		Compressed: c != CompressionNone,
		Checksum:   sum,
	}, nil
}

func compress(w io.Writer, r io.Reader, c Compression) error {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	case CompressionLZ4:
		enc := lz4.NewWriter(w)
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	default:
		_, err := io.Copy(w, r)
		return err
	}
}

// Checksum returns the hex blake3 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Annotatef(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readSidecar(path string) (string, bool, error) {
	b, err := os.ReadFile(path + ChecksumSuffix)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Trace(err)
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return "", true, errors.WithType(errors.Errorf("empty checksum file for %s", filepath.Base(path)), model.ErrCorruptionDetected)
	}
	return fields[0], true, nil
}

// Verify checks path against its checksum sidecar. It reports false when
// there is no sidecar, and ErrCorruptionDetected on a mismatch.
func Verify(path string) (bool, error) {
	want, ok, err := readSidecar(path)
	if err != nil || !ok {
		return false, err
	}
	got, err := Checksum(path)
	if err != nil {
		return false, err
	}
	if got != want {
		return false, errors.WithType(errors.Errorf("checksum mismatch for %s", filepath.Base(path)), model.ErrCorruptionDetected)
	}
	return true, nil
}

// Extract decompresses the snapshot at path into dest. The compression is
// taken from the file name; unrecognised names are copied as is.
func Extract(path, dest string) error {
	c := CompressionNone
	if _, parsed, ok := ParseFileName(filepath.Base(path)); ok {
		c = parsed
	} else if strings.HasSuffix(path, CompressionZstd.Ext()) {
		c = CompressionZstd
	} else if strings.HasSuffix(path, CompressionLZ4.Ext()) {
		c = CompressionLZ4
	}

	in, err := os.Open(path)
	if err != nil {
		return errors.Annotate(err, "open snapshot")
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return errors.Annotate(err, "create restore file")
	}
	defer out.Close()

	var r io.Reader = bufio.NewReader(in)
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return errors.Annotate(err, "open zstd stream")
		}
		defer dec.Close()
		r = dec
	case CompressionLZ4:
		r = lz4.NewReader(r)
	}
	if _, err := io.Copy(out, r); err != nil {
		return errors.WithType(errors.Annotatef(err, "decompress %s", filepath.Base(path)), model.ErrCorruptionDetected)
	}
	if err := out.Sync(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(out.Close())
}

// List returns the snapshots in dir, newest first. A missing directory
// holds no snapshots.
func List(dir string) ([]model.BackupRecord, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []model.BackupRecord{}, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "list backups in %s", dir)
	}
	records := []model.BackupRecord{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, c, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		sum, _, _ := readSidecar(path)
		records = append(records, model.BackupRecord{
			Filename:   e.Name(),
			Path:       path,
			CreatedAt:  at,
			Size:       info.Size(),
			Compressed: c != CompressionNone,
			Checksum:   sum,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Prune deletes all but the newest keep snapshots and their sidecars.
// keep <= 0 keeps everything. It returns the removed file names.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	records, err := List(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, rec := range records[min(keep, len(records)):] {
		if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
			return removed, errors.Annotatef(err, "remove %s", rec.Filename)
		}
		_ = os.Remove(rec.Path + ChecksumSuffix)
		removed = append(removed, rec.Filename)
	}
	return removed, nil
}
