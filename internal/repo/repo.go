package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"termgate/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStatusConflict reports a compare-and-set status update that lost to a
// concurrent writer. The state package turns it into an invalid-transition
// error carrying the attempted edge.
var ErrStatusConflict = errors.New("status changed concurrently")

const transactionColumns = `id,reference_id,pos_id,amount,alpha_code,merchant_id,terminal_id,terminal_serial_no,payment_type,status,approval_code,processor_reference_no,masked_pan,payment_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var amount string
	var approval, refNo, pan, paymentID sql.NullString
	err := row.Scan(&t.ID, &t.ReferenceID, &t.PosID, &amount, &t.AlphaCode, &t.MerchantID,
		&t.TerminalID, &t.TerminalSerialNo, &t.PaymentType, &t.Status,
		&approval, &refNo, &pan, &paymentID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return t, fmt.Errorf("transaction %s: bad amount %q: %w", t.ID, amount, err)
	}
	if approval.Valid {
		t.ApprovalCode = approval.String
	}
	if refNo.Valid {
		t.ProcessorRefNo = refNo.String
	}
	if pan.Valid {
		t.MaskedPan = pan.String
	}
	if paymentID.Valid {
		t.PaymentID = paymentID.String
	}
	return t, nil
}

func (s Store) CreateTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO transactions(`+transactionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ReferenceID, t.PosID, t.Amount.String(), t.AlphaCode, t.MerchantID,
		t.TerminalID, t.TerminalSerialNo, t.PaymentType, t.Status,
		nullable(t.ApprovalCode), nullable(t.ProcessorRefNo), nullable(t.MaskedPan), nullable(t.PaymentID),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (s Store) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return scanTransaction(s.DB.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

// UpdateStatus moves a transaction from one status to another with a
// compare-and-set on the prior status. First writer wins; a lost race returns
// ErrStatusConflict, a missing row ErrNotFound.
func (s Store) UpdateStatus(ctx context.Context, id string, from, to domain.Status, updatedAt string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE transactions SET status=?, updated_at=? WHERE id=? AND status=?`,
		to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

// SetProcessorResult applies processor-returned settlement fields. Status is
// deliberately not touched here; transitions go through the state machine.
func (s Store) SetProcessorResult(ctx context.Context, id, approvalCode, processorRefNo, maskedPan, updatedAt string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE transactions SET approval_code=?, processor_reference_no=?, masked_pan=?, updated_at=? WHERE id=?`,
		nullable(approvalCode), nullable(processorRefNo), nullable(maskedPan), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) SetPaymentID(ctx context.Context, id, paymentID, updatedAt string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE transactions SET payment_id=?, updated_at=? WHERE id=?`,
		nullable(paymentID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByStatusAndSerial returns matching transactions, most recent first.
func (s Store) FindByStatusAndSerial(ctx context.Context, status domain.Status, serial string) ([]domain.Transaction, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE status=? AND terminal_serial_no=? ORDER BY created_at DESC, id DESC`,
		status, serial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TransactionInfo is a transaction joined with its QR sub-transaction fields,
// used by the status-check operations.
type TransactionInfo struct {
	domain.Transaction
	RefNum  string
	TraceNo int64
	BatchNo int64
}

const infoQuery = `SELECT t.id,t.reference_id,t.pos_id,t.amount,t.alpha_code,t.merchant_id,t.terminal_id,t.terminal_serial_no,t.payment_type,t.status,t.approval_code,t.processor_reference_no,t.masked_pan,t.payment_id,t.created_at,t.updated_at,q.ref_num,q.trace_no,q.batch_no
FROM transactions t JOIN qr_transactions q ON q.transaction_id = t.id`

func scanInfo(row rowScanner) (TransactionInfo, error) {
	var info TransactionInfo
	var amount string
	var approval, refNo, pan, paymentID sql.NullString
	err := row.Scan(&info.ID, &info.ReferenceID, &info.PosID, &amount, &info.AlphaCode, &info.MerchantID,
		&info.TerminalID, &info.TerminalSerialNo, &info.PaymentType, &info.Status,
		&approval, &refNo, &pan, &paymentID, &info.CreatedAt, &info.UpdatedAt,
		&info.RefNum, &info.TraceNo, &info.BatchNo)
	if err == sql.ErrNoRows {
		return info, ErrNotFound
	}
	if err != nil {
		return info, err
	}
	info.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return info, fmt.Errorf("transaction %s: bad amount %q: %w", info.ID, amount, err)
	}
	if approval.Valid {
		info.ApprovalCode = approval.String
	}
	if refNo.Valid {
		info.ProcessorRefNo = refNo.String
	}
	if pan.Valid {
		info.MaskedPan = pan.String
	}
	if paymentID.Valid {
		info.PaymentID = paymentID.String
	}
	return info, nil
}

// FindByCorrelation looks a transaction up by the processor correlation pair
// (request reference number, processor payment id).
func (s Store) FindByCorrelation(ctx context.Context, refNum, paymentID string) (TransactionInfo, error) {
	return scanInfo(s.DB.QueryRowContext(ctx, infoQuery+` WHERE q.ref_num=? AND t.payment_id=?`, refNum, paymentID))
}

// GetTransactionInfo returns the joined record for a transaction id.
func (s Store) GetTransactionInfo(ctx context.Context, id string) (TransactionInfo, error) {
	return scanInfo(s.DB.QueryRowContext(ctx, infoQuery+` WHERE t.id=?`, id))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
