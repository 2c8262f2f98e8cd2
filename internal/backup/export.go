package backup

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"control-monitor/internal/model"
)

const (
	DocumentFormat  = "control-monitor-events"
	DocumentVersion = 1
)

//go:embed export.schema.json
var exportSchema []byte

const exportSchemaURL = "https://control-monitor/schema/export-v1.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(exportSchemaURL, bytes.NewReader(exportSchema)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(exportSchemaURL)
	})
	return compiled, compileErr
}

// Document is the portable export of the event store. Values travel in
// their text form next to their kind so every codec round-trips them
// exactly.
type Document struct {
	Format        string          `json:"format" cbor:"format"`
	Version       int             `json:"version" cbor:"version"`
	ExportedAt    time.Time       `json:"exported_at" cbor:"exported_at"`
	RetentionDays int             `json:"retention_days,omitempty" cbor:"retention_days,omitempty"`
	Events        []ExportedEvent `json:"events" cbor:"events"`
}

type ExportedEvent struct {
	GroupID   string `json:"change_group_id" cbor:"change_group_id"`
	Control   string `json:"control" cbor:"control"`
	Component string `json:"component,omitempty" cbor:"component,omitempty"`
	Kind      string `json:"kind" cbor:"kind"`
	Value     string `json:"value" cbor:"value"`
	String    string `json:"string,omitempty" cbor:"string,omitempty"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
	Sequence  int    `json:"sequence" cbor:"sequence"`
	CreatedAt int64  `json:"created_at,omitempty" cbor:"created_at,omitempty"`
}

// NewDocument starts an empty document.
func NewDocument(at time.Time, retentionDays int) *Document {
	return &Document{
		Format:        DocumentFormat,
		Version:       DocumentVersion,
		ExportedAt:    at.UTC(),
		RetentionDays: retentionDays,
		Events:        []ExportedEvent{},
	}
}

// Add appends a persisted row.
func (d *Document) Add(e model.PersistedEvent) {
	d.Events = append(d.Events, ExportedEvent{
		GroupID:   e.GroupID,
		Control:   string(e.Control),
		Component: e.Component,
		Kind:      e.Value.Kind().String(),
		Value:     e.Value.Text(),
		String:    e.String,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
		CreatedAt: e.CreatedAt,
	})
}

// Rows converts the document back into rows ready for insertion. Every
// event is checked; the first bad one fails the whole document.
func (d *Document) Rows() ([]model.PersistedEvent, error) {
	rows := make([]model.PersistedEvent, 0, len(d.Events))
	for i, e := range d.Events {
		invalid := func(err error) error {
			return errors.WithType(errors.Annotatef(err, "event %d", i), model.ErrInvalidImport)
		}
		kind, err := model.ParseKind(e.Kind)
		if err != nil {
			return nil, invalid(err)
		}
		v, err := model.ParseValue(kind, e.Value)
		if err != nil {
			return nil, invalid(err)
		}
		ref, err := model.ParseControlReference(e.Control)
		if err != nil {
			return nil, invalid(err)
		}
		ev := model.ChangeEvent{
			GroupID:   e.GroupID,
			Control:   ref,
			Component: ref.Component(),
			Value:     v,
			String:    e.String,
			Timestamp: e.Timestamp,
			Sequence:  e.Sequence,
		}
		if err := ev.Validate(); err != nil {
			return nil, invalid(err)
		}
		created := e.CreatedAt
		if created == 0 {
			created = e.Timestamp
		}
		rows = append(rows, model.PersistedEvent{
			GroupID:   ev.GroupID,
			Control:   ev.Control,
			Component: ev.Component,
			Value:     ev.Value,
			String:    ev.String,
			Timestamp: ev.Timestamp,
			Sequence:  ev.Sequence,
			CreatedAt: created,
		})
	}
	return rows, nil
}

func isCBOR(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".cbor")
}

// WriteDocument writes d to path as CBOR when the path ends in .cbor and
// as JSON otherwise.
func WriteDocument(path string, d *Document) error {
	var (
		b   []byte
		err error
	)
	if isCBOR(path) {
		b, err = cbor.Marshal(d)
	} else {
		b, err = json.MarshalIndent(d, "", "  ")
	}
	if err != nil {
		return errors.Annotate(err, "encode export")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotatef(os.WriteFile(path, b, 0o644), "write export %s", path)
}

// ReadDocument reads a document written by WriteDocument. JSON input is
// validated against the export schema first. Any problem with the content
// is reported as ErrInvalidImport.
func ReadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read import %s", path)
	}
	invalid := func(err error) error {
		return errors.WithType(errors.Annotatef(err, "import %s", filepath.Base(path)), model.ErrInvalidImport)
	}
	var d Document
	if isCBOR(path) {
		if err := cbor.Unmarshal(b, &d); err != nil {
			return nil, invalid(err)
		}
		if d.Format != DocumentFormat || d.Version != DocumentVersion {
			return nil, invalid(errors.Errorf("unsupported document %q version %d", d.Format, d.Version))
		}
		return &d, nil
	}

	var instance any
	if err := json.Unmarshal(b, &instance); err != nil {
		return nil, invalid(err)
	}
	s, err := schema()
	if err != nil {
		return nil, errors.Annotate(err, "compile export schema")
	}
	if err := s.Validate(instance); err != nil {
		return nil, invalid(err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, invalid(err)
	}
	return &d, nil
}
