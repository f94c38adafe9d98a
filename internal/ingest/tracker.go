// Package ingest gates input batches so a replayed batch is a no-op.
//
// A batch is identified by its source (file path, feed name) and a content
// signature. The gate runs in front of matching and marking; both assume
// each logical batch reaches them at most once.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"

	"github.com/atmx/settlement-ledger/internal/model"
)

// Batch kinds.
const (
	KindTrades = "trades"
	KindQuotes = "quotes"
)

var ErrMissingIdentity = errors.New("ingest: batch needs a source and a signature")

// Batches is the processed-batch ledger seen from inside a transaction.
type Batches interface {
	HasBatch(ctx context.Context, source, signature string) (bool, error)
	InsertBatch(ctx context.Context, rec model.ProcessedBatchRecord) error
}

// Tracker decides whether a batch still needs processing and records it.
// MarkProcessed must run in the same transaction that applies the batch.
type Tracker struct {
	now func() time.Time
}

// NewTracker returns a Tracker. A nil now selects time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

func checkIdentity(source, signature string) error {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(signature) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// ShouldProcess reports whether (source, signature) has never been recorded.
func (t *Tracker) ShouldProcess(ctx context.Context, b Batches, source, signature string) (bool, error) {
	if err := checkIdentity(source, signature); err != nil {
		return false, err
	}
	seen, err := b.HasBatch(ctx, source, signature)
	if err != nil {
		return false, fmt.Errorf("ingest: lookup %s: %w", source, err)
	}
	return !seen, nil
}

// MarkProcessed records the batch.
func (t *Tracker) MarkProcessed(ctx context.Context, b Batches, source, signature, kind string, records int) (model.ProcessedBatchRecord, error) {
	if err := checkIdentity(source, signature); err != nil {
		return model.ProcessedBatchRecord{}, err
	}
	rec := model.ProcessedBatchRecord{
		ID:          uuid.New().String(),
		Source:      source,
		Signature:   signature,
		Kind:        kind,
		Records:     records,
		ProcessedAt: t.now().UTC(),
	}
	if err := b.InsertBatch(ctx, rec); err != nil {
		return rec, fmt.Errorf("ingest: record %s: %w", source, err)
	}
	return rec, nil
}

// ContentSignature hashes raw batch content.
func ContentSignature(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FileSignature identifies a file by size and modification time, for
// sources that cannot cheaply rehash their content.
func FileSignature(size int64, modTime time.Time) string {
	return fmt.Sprintf("stat:%d:%d", size, modTime.UnixNano())
}

// RecordsSignature hashes the canonical JSON encoding of parsed records.
func RecordsSignature(records any) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("ingest: encode records: %w", err)
	}
	return ContentSignature(data), nil
}
