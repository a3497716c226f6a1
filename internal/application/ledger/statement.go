package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	statementContentType = "text/csv"
	statementTimeLayout  = "20060102T150405Z"

	// DefaultStatementPageSize is how many rows are read per query while exporting
	DefaultStatementPageSize = 500
)

var statementHeader = []string{
	"created_at", "transaction_id", "type", "status", "amount",
	"balance_before", "balance_after", "idempotency_key", "external_ref", "description",
}

// StatementStorage stores rendered statements and hands out download links
type StatementStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, time.Time, error)
}

// StatementService exports an account's transactions as CSV to object storage
type StatementService struct {
	reader        LedgerRepositories
	storage       StatementStorage
	pageSize      int
	presignExpiry time.Duration
}

// StatementOption configures a StatementService
type StatementOption func(*StatementService)

// WithStatementPageSize sets the query page size
func WithStatementPageSize(n int) StatementOption {
	return func(s *StatementService) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithPresignExpiry sets how long download links stay valid. Zero uses the
// storage default.
func WithPresignExpiry(d time.Duration) StatementOption {
	return func(s *StatementService) {
		s.presignExpiry = d
	}
}

// NewStatementService creates a StatementService
func NewStatementService(reader LedgerRepositories, storage StatementStorage, opts ...StatementOption) *StatementService {
	s := &StatementService{
		reader:   reader,
		storage:  storage,
		pageSize: DefaultStatementPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StatementKey returns the object key of a statement. An open end is
// rendered as "start" or "now".
func StatementKey(accountID string, from, to time.Time) string {
	return fmt.Sprintf("statements/%s/%s_%s.csv", accountID, formatBound(from, "start"), formatBound(to, "now"))
}

func formatBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return t.UTC().Format(statementTimeLayout)
}

// Export renders transactions created in [from, to] oldest first, uploads
// them and returns a presigned download URL.
func (s *StatementService) Export(ctx context.Context, accountID string, from, to time.Time) (StatementResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "export_statement")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrAccountID, accountID)

	if err := ledger.ValidateAccountID(accountID); err != nil {
		return StatementResult{}, err
	}
	window := ledger.TimeWindow{From: from, To: to}
	if err := window.Validate(); err != nil {
		return StatementResult{}, err
	}
	if _, err := s.reader.Balances().Get(ctx, accountID); err != nil {
		telemetry.RecordError(span, err)
		return StatementResult{}, err
	}

	data, rows, err := s.render(ctx, accountID, window)
	if err != nil {
		telemetry.RecordError(span, err)
		return StatementResult{}, err
	}

	key := StatementKey(accountID, from, to)
	if err := s.storage.Upload(ctx, key, data, statementContentType); err != nil {
		telemetry.RecordError(span, err)
		return StatementResult{}, fmt.Errorf("failed to upload statement: %w", err)
	}
	url, expiresAt, err := s.storage.GenerateDownloadURL(ctx, key, s.presignExpiry)
	if err != nil {
		telemetry.RecordError(span, err)
		return StatementResult{}, fmt.Errorf("failed to presign statement: %w", err)
	}

	logger.L(ctx).Info("Statement exported",
		zap.String("account_id", accountID),
		zap.String("key", key),
		zap.Int("rows", rows))
	telemetry.SetAttribute(span, "rows", rows)
	telemetry.SetOK(span)
	return StatementResult{Key: key, URL: url, Rows: rows, ExpiresAt: expiresAt}, nil
}

func (s *StatementService) render(ctx context.Context, accountID string, window ledger.TimeWindow) ([]byte, int, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(statementHeader); err != nil {
		return nil, 0, err
	}

	rows := 0
	for {
		page, err := s.reader.Transactions().ListByAccountWindow(ctx, accountID, window, s.pageSize, rows)
		if err != nil {
			return nil, 0, err
		}
		if len(page) == 0 {
			break
		}
		for _, tx := range page {
			ref := ""
			if tx.ExternalRef != nil {
				ref = *tx.ExternalRef
			}
			record := []string{
				tx.CreatedAt.UTC().Format(time.RFC3339),
				tx.ID.String(),
				string(tx.Type),
				string(tx.Status),
				tx.Amount.StringFixed(ledger.AmountScale),
				tx.BalanceBefore.StringFixed(ledger.AmountScale),
				tx.BalanceAfter.StringFixed(ledger.AmountScale),
				tx.Key(),
				ref,
				tx.Description,
			}
			if err := w.Write(record); err != nil {
				return nil, 0, err
			}
		}
		rows += len(page)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), rows, nil
}

// ExportStatement delegates to the configured StatementService
func (s *Service) ExportStatement(ctx context.Context, accountID string, from, to time.Time) (StatementResult, error) {
	if s.statements == nil {
		return StatementResult{}, shared.ErrInvalidState.WithMessage("statement export is not configured")
	}
	return s.statements.Export(ctx, accountID, from, to)
}

// WithStatements enables ExportStatement
func WithStatements(st *StatementService) ServiceOption {
	return func(s *Service) {
		s.statements = st
	}
}
