package receipts

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/mbd888/agentspend/internal/pagination"
)

var receiptCols = []string{
	"id", "request_id", "user_id", "project_id", "outcome", "kind",
	"amount", "actual_amount", "settlement_ref", "funds_status",
	"fingerprint", "audit_head", "payload_hash", "signature",
	"issued_at", "expires_at", "created_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO receipts").WillReturnError(&pq.Error{Code: "23505"})

	err := store.Create(context.Background(), &Receipt{ID: "rcpt_1", RequestID: "req_1", IssuedAt: testNow, CreatedAt: testNow})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresStore_GetByRequest(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM receipts WHERE request_id").
		WithArgs("req_1").
		WillReturnRows(sqlmock.NewRows(receiptCols).AddRow(
			"rcpt_1", "req_1", "user_1", "proj_a", "REJECT", "policy_violation",
			"0.002000", nil, nil, nil,
			"fp", "head", "hash", nil,
			testNow, nil, testNow))

	r, err := store.GetByRequest(context.Background(), "req_1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != "policy_violation" || r.Signed() || !r.ExpiresAt.IsZero() {
		t.Errorf("unexpected receipt %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM receipts WHERE id").WillReturnError(sql.ErrNoRows)
	if _, err := store.Get(context.Background(), "rcpt_x"); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByUserCursor(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM receipts WHERE user_id = \$1 AND \(created_at, id\) < \(\$2, \$3\) ORDER BY created_at DESC, id DESC LIMIT \$4`).
		WithArgs("user_1", at, "rcpt_9", 3).
		WillReturnRows(sqlmock.NewRows(receiptCols))

	list, err := store.ListByUser(context.Background(), "user_1", 3, WithCursor(&pagination.Cursor{CreatedAt: at, ID: "rcpt_9"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty page, got %d", len(list))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
