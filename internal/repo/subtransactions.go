package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"termgate/internal/domain"
)

func (s Store) CreateQRTransaction(ctx context.Context, q domain.QRTransaction) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO qr_transactions(id,transaction_id,qr_string,ref_num,trace_no,batch_no,amount,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		q.ID, q.TransactionID, q.QRString, q.RefNum, q.TraceNo, q.BatchNo, q.Amount.String(), q.CreatedAt)
	return err
}

// QRByTransaction returns the QR sub-transaction for a transaction id.
func (s Store) QRByTransaction(ctx context.Context, transactionID string) (domain.QRTransaction, error) {
	var q domain.QRTransaction
	var amount string
	err := s.DB.QueryRowContext(ctx, `SELECT id,transaction_id,qr_string,ref_num,trace_no,batch_no,amount,created_at FROM qr_transactions WHERE transaction_id=? ORDER BY created_at DESC LIMIT 1`, transactionID).
		Scan(&q.ID, &q.TransactionID, &q.QRString, &q.RefNum, &q.TraceNo, &q.BatchNo, &amount, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return q, fmt.Errorf("qr transaction %s: bad amount %q: %w", q.ID, amount, err)
	}
	return q, nil
}

func (s Store) CreateCardTransaction(ctx context.Context, c domain.CardTransaction) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO card_transactions(id,transaction_id,ref_num,trace_no,batch_no,merchant_id,amount,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.TransactionID, c.RefNum, c.TraceNo, c.BatchNo, c.MerchantID, c.Amount.String(), c.CreatedAt)
	return err
}

func (s Store) GetDevice(ctx context.Context, posID string) (domain.Device, error) {
	var d domain.Device
	err := s.DB.QueryRowContext(ctx, `SELECT pos_id,payment_terminal_serial_no,created_at FROM devices WHERE pos_id=?`, posID).
		Scan(&d.PosID, &d.TerminalSerialNo, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (s Store) UpsertDevice(ctx context.Context, d domain.Device) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO devices(pos_id,payment_terminal_serial_no,created_at) VALUES (?,?,?)
ON CONFLICT(pos_id) DO UPDATE SET payment_terminal_serial_no=excluded.payment_terminal_serial_no`,
		d.PosID, d.TerminalSerialNo, d.CreatedAt)
	return err
}
