package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

// Narrow store interfaces required by the archiver. The archiver only needs
// the time-ranged query methods it actually calls, not the full domain store
// interfaces; the Postgres stores satisfy these implicitly.

// BondArchiveStore provides read access to terminated bonds for archival.
type BondArchiveStore interface {
	ListTerminatedBefore(ctx context.Context, before time.Time) ([]domain.Bond, error)
}

// LoanArchiveStore provides read access to settled loans for archival.
type LoanArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Loan, error)
}

// AuditArchiveStore provides read access to cold audit entries for archival.
type AuditArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// settled records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	bonds  BondArchiveStore
	loans  LoanArchiveStore
	audit  AuditArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, bonds BondArchiveStore, loans LoanArchiveStore, audit AuditArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		bonds:  bonds,
		loans:  loans,
		audit:  audit,
	}
}

// ArchiveBonds queries terminated bonds last touched before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/bonds/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveBonds(ctx context.Context, before time.Time) (int64, error) {
	bonds, err := a.bonds.ListTerminatedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bonds query: %w", err)
	}
	if len(bonds) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(bonds)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bonds marshal: %w", err)
	}

	path := archivePath("bonds", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive bonds upload: %w", err)
	}

	count := int64(len(bonds))

	if err := a.audit.Log(ctx, "archive.bonds", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive bonds audit log: %w", err)
	}

	return count, nil
}

// ArchiveLoans queries loans settled before the cutoff, serializes them to
// JSONL, and uploads the file to S3 at archive/loans/YYYY-MM.jsonl. The
// archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveLoans(ctx context.Context, before time.Time) (int64, error) {
	loans, err := a.loans.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive loans query: %w", err)
	}
	if len(loans) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(loans)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive loans marshal: %w", err)
	}

	path := archivePath("loans", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive loans upload: %w", err)
	}

	count := int64(len(loans))

	if err := a.audit.Log(ctx, "archive.loans", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive loans audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries audit entries created before the cutoff, serializes
// them to JSONL, and uploads the file to S3 at archive/audit/YYYY-MM.jsonl.
// Uses multipart upload since audit exports can grow large.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/bonds/2026-01.jsonl
//	archive/loans/2026-01.jsonl
//	archive/audit/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
