package forms

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements EntryStore on the platform's entry tables.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

const entryColumns = `id, form_id, payment_status, payment_method, transaction_id,
	payment_amount, card_number_masked, card_type, created_at`

// Create implements EntryStore.
func (s *PostgresStore) Create(ctx context.Context, entry *Entry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO entries (id, form_id, payment_status, payment_method, transaction_id,
			payment_amount, card_number_masked, card_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.FormID, string(entry.PaymentStatus), entry.PaymentMethod,
		entry.TransactionID, entry.PaymentAmount, entry.CardNumberMasked, entry.CardType,
	)
	return err
}

// Get implements EntryStore.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, id)
	return scanEntry(row)
}

// Update implements EntryStore. Only payment-owned columns are written.
func (s *PostgresStore) Update(ctx context.Context, entry *Entry) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE entries
		SET payment_status = $2, payment_method = $3, transaction_id = $4,
			payment_amount = $5, card_number_masked = $6, card_type = $7
		WHERE id = $1`,
		entry.ID, string(entry.PaymentStatus), entry.PaymentMethod, entry.TransactionID,
		entry.PaymentAmount, entry.CardNumberMasked, entry.CardType,
	)
	return err
}

// FindByTransactionID implements EntryStore.
func (s *PostgresStore) FindByTransactionID(ctx context.Context, refNo string) (*Entry, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE transaction_id = $1`, refNo)
	return scanEntry(row)
}

// FindByMeta implements EntryStore.
func (s *PostgresStore) FindByMeta(ctx context.Context, key, value string) (*Entry, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries e
		JOIN entry_meta m ON m.entry_id = e.id
		WHERE m.meta_key = $1 AND m.meta_value = $2
		ORDER BY e.created_at DESC
		LIMIT 1`, key, value)
	return scanEntry(row)
}

// GetMeta implements EntryStore.
func (s *PostgresStore) GetMeta(ctx context.Context, entryID, key string) (string, bool, error) {
	var value string
	err := s.Pool.QueryRow(ctx,
		`SELECT meta_value FROM entry_meta WHERE entry_id = $1 AND meta_key = $2`,
		entryID, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMeta implements EntryStore.
func (s *PostgresStore) SetMeta(ctx context.Context, entryID, key, value string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO entry_meta (entry_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (entry_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`,
		entryID, key, value,
	)
	return err
}

// GetForm implements ConfigStore.
func (s *PostgresStore) GetForm(ctx context.Context, formID string) (*Form, error) {
	var f Form
	err := s.Pool.QueryRow(ctx,
		`SELECT id, title, currency FROM forms WHERE id = $1`, formID,
	).Scan(&f.ID, &f.Title, &f.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFormNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFeed implements ConfigStore. The newest feed of the form wins; the
// platform only keeps one active payment feed per form.
func (s *PostgresStore) GetFeed(ctx context.Context, formID string) (*Feed, error) {
	var f Feed
	var fields []byte
	err := s.Pool.QueryRow(ctx, `
		SELECT id, form_id, name, transaction_type, subscription_name,
			billing_cycle_length, billing_cycle_unit, recurring_times,
			setup_fee_enabled, billing_fields
		FROM feeds WHERE form_id = $1
		ORDER BY id DESC LIMIT 1`, formID,
	).Scan(&f.ID, &f.FormID, &f.Name, &f.TransactionType, &f.SubscriptionName,
		&f.BillingCycleLength, &f.BillingCycleUnit, &f.RecurringTimes,
		&f.SetupFeeEnabled, &fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFormNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &f.BillingFields); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var status string
	err := row.Scan(&e.ID, &e.FormID, &status, &e.PaymentMethod, &e.TransactionID,
		&e.PaymentAmount, &e.CardNumberMasked, &e.CardType, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.PaymentStatus = PaymentStatus(status)
	return &e, nil
}
