package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"paymock/internal/models"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite3"
}

// SQLStore implements Store on database/sql for SQLite and Postgres.
// Timestamps are stored as UTC unix nanoseconds so both dialects compare
// them the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects, retrying the first ping with exponential backoff, and
// applies the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, log *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := db.PingContext(ctx); err != nil {
			log.Warn("database not ready", zap.String("dialect", string(dialect)), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(6))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		amount BIGINT NOT NULL,
		reference TEXT NOT NULL,
		webhook_url TEXT NOT NULL,
		redirect_url TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		card_mask TEXT NOT NULL DEFAULT '',
		otp_email TEXT NOT NULL DEFAULT '',
		otp_attempts INTEGER NOT NULL DEFAULT 0,
		otp_hash TEXT NOT NULL DEFAULT '',
		save_card INTEGER NOT NULL DEFAULT 0,
		card_hash TEXT NOT NULL DEFAULT '',
		card_expiry TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		paid_at BIGINT,
		version BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status_expires ON payments(status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_email ON payments(otp_email)`,
	`CREATE TABLE IF NOT EXISTS payment_status_history (
		payment_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		changed_at BIGINT NOT NULL,
		PRIMARY KEY (payment_id, to_status)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		payment_id TEXT PRIMARY KEY,
		event_status TEXT NOT NULL,
		url TEXT NOT NULL,
		payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at BIGINT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_state ON webhook_deliveries(state, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_attempts (
		payment_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		url TEXT NOT NULL,
		body TEXT NOT NULL,
		signature TEXT NOT NULL,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		attempted_at BIGINT NOT NULL,
		PRIMARY KEY (payment_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS saved_cards (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		card_mask TEXT NOT NULL,
		expiry TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saved_cards_email ON saved_cards(email)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idem_key TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		payment_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const paymentColumns = `id, amount, reference, webhook_url, redirect_url, status, failure_reason,
	card_mask, otp_email, otp_attempts, otp_hash, save_card, card_hash, card_expiry,
	idempotency_key, created_at, expires_at, updated_at, paid_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(r rowScanner) (*models.Payment, error) {
	var (
		p                         models.Payment
		status                    string
		saveCard                  int
		created, expires, updated int64
		paid                      sql.NullInt64
	)
	err := r.Scan(&p.ID, &p.Amount, &p.Reference, &p.WebhookURL, &p.RedirectURL, &status, &p.FailureReason,
		&p.CardMask, &p.OTPEmail, &p.OTPAttempts, &p.OTPHash, &saveCard, &p.CardHash, &p.CardExpiry,
		&p.IdempotencyKey, &created, &expires, &updated, &paid, &p.Version)
	if err != nil {
		return nil, err
	}
	p.Status = models.Status(status)
	p.SaveCard = saveCard != 0
	p.CreatedAt = fromNanos(created)
	p.ExpiresAt = fromNanos(expires)
	p.UpdatedAt = fromNanos(updated)
	if paid.Valid {
		t := fromNanos(paid.Int64)
		p.PaidAt = &t
	}
	return &p, nil
}

func paidAtArg(p *models.Payment) any {
	if p.PaidAt == nil {
		return nil
	}
	return p.PaidAt.UnixNano()
}

func (s *SQLStore) InsertPayment(ctx context.Context, p *models.Payment) error {
	res, err := s.exec(ctx, s.db, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		p.ID, p.Amount, p.Reference, p.WebhookURL, p.RedirectURL, string(p.Status), p.FailureReason,
		p.CardMask, p.OTPEmail, p.OTPAttempts, p.OTPHash, boolInt(p.SaveCard), p.CardHash, p.CardExpiry,
		p.IdempotencyKey, toNanos(p.CreatedAt), toNanos(p.ExpiresAt), toNanos(p.UpdatedAt), paidAtArg(p), p.Version)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) UpdatePayment(ctx context.Context, p *models.Payment, expected models.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx, `UPDATE payments SET
		status = ?, failure_reason = ?, card_mask = ?, otp_email = ?, otp_attempts = ?, otp_hash = ?,
		save_card = ?, card_hash = ?, card_expiry = ?, updated_at = ?, paid_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ?`,
		string(p.Status), p.FailureReason, p.CardMask, p.OTPEmail, p.OTPAttempts, p.OTPHash,
		boolInt(p.SaveCard), p.CardHash, p.CardExpiry, toNanos(p.UpdatedAt), paidAtArg(p),
		p.ID, string(expected), p.Version)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM payments WHERE id = ?`), p.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}

	if p.Status != expected {
		_, err = s.exec(ctx, tx, `INSERT INTO payment_status_history
			(payment_id, from_status, to_status, reason, changed_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, string(expected), string(p.Status), p.FailureReason, toNanos(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("append history %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payment %s: %w", p.ID, err)
	}
	p.Version++
	return nil
}

func (s *SQLStore) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListExpirable(ctx context.Context, now time.Time) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status IN (?, ?) AND expires_at < ? ORDER BY created_at, id`,
		string(models.StatusPending), string(models.StatusWaitingForOTP), now.UnixNano())
}

func (s *SQLStore) ListTerminalWithoutDelivery(ctx context.Context) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments p
		WHERE p.status IN (?, ?, ?)
		AND NOT EXISTS (SELECT 1 FROM webhook_deliveries d WHERE d.payment_id = p.id)
		ORDER BY p.created_at, p.id`,
		string(models.StatusPaid), string(models.StatusFailed), string(models.StatusExpired))
}

func (s *SQLStore) ListPaidByEmail(ctx context.Context, email string, limit int) ([]*models.Payment, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status = ? AND otp_email = ? ORDER BY created_at DESC LIMIT ?`,
		string(models.StatusPaid), email, limit)
}

func (s *SQLStore) StatusHistory(ctx context.Context, id string) ([]models.StatusChange, error) {
	if _, err := s.GetPayment(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT from_status, to_status, reason, changed_at
		FROM payment_status_history WHERE payment_id = ? ORDER BY changed_at`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var (
			from, to string
			at       int64
			sc       = models.StatusChange{PaymentID: id}
		)
		if err := rows.Scan(&from, &to, &sc.Reason, &at); err != nil {
			return nil, err
		}
		sc.From, sc.To, sc.At = models.Status(from), models.Status(to), fromNanos(at)
		out = append(out, sc)
	}
	return out, rows.Err()
}

const deliveryColumns = `payment_id, event_status, url, payload, signature, state, attempts,
	next_attempt_at, last_error, created_at, updated_at`

func scanDelivery(r rowScanner) (*models.Delivery, error) {
	var (
		d                      models.Delivery
		status, state, body    string
		next, created, updated int64
	)
	err := r.Scan(&d.PaymentID, &status, &d.URL, &body, &d.Signature, &state, &d.Attempts,
		&next, &d.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.EventStatus = models.Status(status)
	d.State = models.DeliveryState(state)
	d.Payload = []byte(body)
	d.NextAttemptAt = fromNanos(next)
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return &d, nil
}

func (s *SQLStore) CreateDeliveryIfAbsent(ctx context.Context, d *models.Delivery) (bool, error) {
	res, err := s.exec(ctx, s.db, `INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		d.PaymentID, string(d.EventStatus), d.URL, string(d.Payload), d.Signature, string(d.State), d.Attempts,
		toNanos(d.NextAttemptAt), d.LastError, toNanos(d.CreatedAt), toNanos(d.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("insert delivery %s: %w", d.PaymentID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) GetDelivery(ctx context.Context, paymentID string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE payment_id = ?`), paymentID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery %s: %w", paymentID, err)
	}
	return d, nil
}

func (s *SQLStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	res, err := s.exec(ctx, s.db, `UPDATE webhook_deliveries SET
		state = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE payment_id = ?`,
		string(d.State), d.Attempts, toNanos(d.NextAttemptAt), d.LastError, toNanos(d.UpdatedAt), d.PaymentID)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", d.PaymentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListPendingDeliveries(ctx context.Context) ([]*models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE state = ? ORDER BY next_attempt_at`), string(models.DeliveryPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendAttempt(ctx context.Context, a *models.WebhookAttempt) error {
	res, err := s.exec(ctx, s.db, `INSERT INTO webhook_attempts
		(payment_id, seq, url, body, signature, response_status, response_body, error, success, duration_ms, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		a.PaymentID, a.Sequence, a.URL, a.Body, a.Signature, a.ResponseStatus, a.ResponseBody, a.Error,
		boolInt(a.Success), a.DurationMs, toNanos(a.AttemptedAt))
	if err != nil {
		return fmt.Errorf("append attempt %s#%d: %w", a.PaymentID, a.Sequence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, paymentID string) ([]models.WebhookAttempt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, url, body, signature, response_status,
		response_body, error, success, duration_ms, attempted_at
		FROM webhook_attempts WHERE payment_id = ? ORDER BY seq`), paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookAttempt
	for rows.Next() {
		var (
			a       = models.WebhookAttempt{PaymentID: paymentID}
			success int
			at      int64
		)
		if err := rows.Scan(&a.Sequence, &a.URL, &a.Body, &a.Signature, &a.ResponseStatus,
			&a.ResponseBody, &a.Error, &success, &a.DurationMs, &at); err != nil {
			return nil, err
		}
		a.Success = success != 0
		a.AttemptedAt = fromNanos(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveCard(ctx context.Context, c *models.SavedCard) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO saved_cards (id, email, card_mask, expiry, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		c.ID, c.Email, c.CardMask, c.Expiry, toNanos(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("save card: %w", err)
	}
	return nil
}

func (s *SQLStore) ListCards(ctx context.Context, email string) ([]models.SavedCard, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, email, card_mask, expiry, created_at
		FROM saved_cards WHERE email = ? ORDER BY created_at`), email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SavedCard
	for rows.Next() {
		var (
			c  models.SavedCard
			at int64
		)
		if err := rows.Scan(&c.ID, &c.Email, &c.CardMask, &c.Expiry, &at); err != nil {
			return nil, err
		}
		c.CreatedAt = fromNanos(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetIdempotency(ctx context.Context, key string) (*models.IdempotencyRecord, bool, error) {
	var (
		rec    = models.IdempotencyRecord{Key: key}
		result string
		at     int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT fingerprint, payment_id, result, created_at
		FROM idempotency_keys WHERE idem_key = ?`), key).Scan(&rec.Fingerprint, &rec.PaymentID, &result, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.Result = []byte(result)
	rec.CreatedAt = fromNanos(at)
	return &rec, true, nil
}

func (s *SQLStore) PutIdempotencyIfAbsent(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	res, err := s.exec(ctx, s.db, `INSERT INTO idempotency_keys (idem_key, fingerprint, payment_id, result, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		rec.Key, rec.Fingerprint, rec.PaymentID, string(rec.Result), toNanos(rec.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
