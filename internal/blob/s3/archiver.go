package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// ExecutionSource and RiskEventSource are the store queries the archiver
// needs.
type ExecutionSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error)
}

type RiskEventSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.RiskEvent, error)
}

// ObjectChecker reports whether an archive object already exists.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver implements domain.Archiver. Records stay in the database; removing
// them is a separate step once the archive has been checked.
type Archiver struct {
	writer     domain.BlobWriter
	checker    ObjectChecker
	executions ExecutionSource
	riskEvents RiskEventSource
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewArchiver wires an Archiver. checker and audit may be nil.
func NewArchiver(w domain.BlobWriter, checker ObjectChecker, execs ExecutionSource, risks RiskEventSource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer:     w,
		checker:    checker,
		executions: execs,
		riskEvents: risks,
		audit:      audit,
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveExecutions uploads executions started in the month before the
// cutoff to archive/executions/YYYY-MM.jsonl.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	execs, err := a.executions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions: %w", err)
	}
	from := monthStart(before).AddDate(0, -1, 0)
	var month []domain.Execution
	for _, e := range execs {
		if !e.StartedAt.Before(from) {
			month = append(month, e)
		}
	}
	return archive(ctx, a, "executions", from, month)
}

// ArchiveRiskEvents uploads risk events raised in the month before the
// cutoff to archive/risk_events/YYYY-MM.jsonl.
func (a *Archiver) ArchiveRiskEvents(ctx context.Context, before time.Time) (int64, error) {
	evs, err := a.riskEvents.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive risk events: %w", err)
	}
	from := monthStart(before).AddDate(0, -1, 0)
	var month []domain.RiskEvent
	for _, ev := range evs {
		if !ev.At.Before(from) {
			month = append(month, ev)
		}
	}
	return archive(ctx, a, "risk_events", from, month)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, month time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	path := archivePath(kind, month)
	if a.checker != nil {
		exists, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			a.logger.Debug("archive already present", slog.String("path", path))
			return 0, nil
		}
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}

	n := int64(len(records))
	a.logger.Info("archived", slog.String("path", path), slog.Int64("count", n))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": n,
			"month": month.Format("2006-01"),
		}); err != nil {
			return n, fmt.Errorf("s3blob: audit archive %s: %w", kind, err)
		}
	}
	return n, nil
}

// Run archives the previous month once at start and then every interval
// until ctx ends. Failures are logged and retried on the next pass.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		cutoff := monthStart(time.Now().UTC())
		if _, err := a.ArchiveExecutions(ctx, cutoff); err != nil && ctx.Err() == nil {
			a.logger.Warn("execution archive failed", slog.String("error", err.Error()))
		}
		if _, err := a.ArchiveRiskEvents(ctx, cutoff); err != nil && ctx.Err() == nil {
			a.logger.Warn("risk event archive failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

//	archive/executions/2025-01.jsonl
func archivePath(kind string, month time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month.Format("2006-01"))
}

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

var _ domain.Archiver = (*Archiver)(nil)
