package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certano/backend/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const profileColumns = `id, email, name, subscription_type, subscription_status,
	stripe_customer_id, stripe_subscription_id, subscription_start_date,
	subscription_end_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (models.User, error) {
	var (
		u                  models.User
		subType, subStatus string
		customerID, subID  sql.NullString
		start, end         sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &subType, &subStatus,
		&customerID, &subID, &start, &end, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}

	u.Subscription = models.Subscription{
		Type:                 models.SubscriptionType(subType),
		Status:               models.SubscriptionStatus(subStatus),
		StripeCustomerID:     customerID.String,
		StripeSubscriptionID: subID.String,
	}
	if start.Valid {
		t := start.Time
		u.Subscription.StartDate = &t
	}
	if end.Valid {
		t := end.Time
		u.Subscription.EndDate = &t
	}
	return u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	u, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrUserNotFound
	}
	if err != nil {
		return u, fmt.Errorf("find profile %s: %w", id, err)
	}
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	u, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrUserNotFound
	}
	if err != nil {
		return u, fmt.Errorf("find profile by email: %w", err)
	}
	return u, nil
}

func (s *Store) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`,
		id, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer id: %w", err)
	}
	return requireRow(res)
}

// ApplySubscriptionUpdate writes the non-nil fields of upd. Applying the same
// update twice leaves the row unchanged apart from updated_at.
func (s *Store) ApplySubscriptionUpdate(ctx context.Context, id uuid.UUID, upd models.SubscriptionUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET
			subscription_type       = COALESCE($2, subscription_type),
			subscription_status     = COALESCE($3, subscription_status),
			stripe_subscription_id  = COALESCE($4, stripe_subscription_id),
			subscription_start_date = COALESCE($5, subscription_start_date),
			subscription_end_date   = COALESCE($6, subscription_end_date),
			updated_at              = NOW()
		 WHERE id = $1`,
		id,
		nullString(upd.Type),
		nullString(upd.Status),
		nullString(upd.StripeSubscriptionID),
		nullTime(upd.StartDate),
		nullTime(upd.EndDate),
	)
	if err != nil {
		return fmt.Errorf("apply subscription update: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullString[T ~string](p *T) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}
