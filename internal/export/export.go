// Package export writes the change ledger to a portable JSON document and
// loads such documents back into any ledger backend.
package export

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"flippio/internal/history"
	"flippio/internal/ledger"
)

// Version is the document format version.
const Version = 1

const schemaURL = "https://flippio.dev/schema/history-export-v1.schema.json"

//go:embed schema.json
var schemaJSON []byte

var (
	compiled    *jsonschema.Schema
	compileErr  error
	compileOnce sync.Once
	importBatch = 500
)

// Schema returns the compiled document schema.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Document is an exported ledger.
type Document struct {
	Version    int                      `json:"version"`
	ExportedAt time.Time                `json:"exportedAt"`
	Contexts   []history.ContextSummary `json:"contexts,omitempty"`
	Events     []*history.ChangeEvent   `json:"events"`
}

// Export collects the events of the given contexts, oldest first, or of
// every context when keys is empty.
func Export(ctx context.Context, l ledger.Ledger, keys ...string) (*Document, error) {
	summaries, err := l.ListContexts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	if len(keys) > 0 {
		wanted := make(map[string]bool, len(keys))
		for _, k := range keys {
			wanted[k] = true
		}
		kept := summaries[:0]
		for _, s := range summaries {
			if wanted[s.ContextKey] {
				kept = append(kept, s)
			}
		}
		summaries = kept
	}

	doc := &Document{
		Version:    Version,
		ExportedAt: time.Now().UTC(),
		Contexts:   summaries,
		Events:     []*history.ChangeEvent{},
	}
	for _, s := range summaries {
		events, err := l.Since(ctx, s.ContextKey, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("read context %s: %w", s.ContextKey, err)
		}
		doc.Events = append(doc.Events, events...)
	}
	return doc, nil
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// Read decodes a document after validating it against the schema.
func Read(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	schema, err := Schema()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("%w: export is not JSON: %v", history.ErrInvalidArgument, err)
	}
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("%w: export does not match schema: %s", history.ErrInvalidArgument, ve.Error())
		}
		return nil, fmt.Errorf("%w: %v", history.ErrInvalidArgument, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", history.ErrInvalidArgument, err)
	}
	return &doc, nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import appends the events of doc that the ledger does not hold yet, in
// document order. Events already present by id are skipped, so importing
// the same document twice is harmless.
func Import(ctx context.Context, l ledger.Ledger, doc *Document) (ImportResult, error) {
	var (
		res   ImportResult
		batch []*history.ChangeEvent
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.AppendBatch(ctx, batch); err != nil {
			return err
		}
		res.Imported += len(batch)
		batch = batch[:0]
		return nil
	}

	seen := make(map[string]bool, len(doc.Events))
	for _, e := range doc.Events {
		if err := e.Validate(); err != nil {
			return res, err
		}
		if seen[e.ID] {
			res.Skipped++
			continue
		}
		seen[e.ID] = true
		_, err := l.Get(ctx, e.ID)
		switch {
		case err == nil:
			res.Skipped++
			continue
		case !errors.Is(err, history.ErrNotFound):
			return res, err
		}
		batch = append(batch, e)
		if len(batch) >= importBatch {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	return res, flush()
}
