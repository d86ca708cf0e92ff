package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kinect/internal/models"
	"kinect/shared/reminders"
)

// Store implements reminders.ContactStore. It only reads.
type Store struct {
	db *DB
}

// NewStore creates a new contact store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return dataErr(ctx, "ping", err)
	}
	return nil
}

const userColumns = `id, email, display_name, reminders_enabled, created_at`

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, dataErr(ctx, "list users", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, dataErr(ctx, "scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, dataErr(ctx, "list users", err)
	}
	return users, nil
}

// GetUser returns one user or reminders.ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, userID int64) (models.User, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %d: %w", userID, reminders.ErrUserNotFound)
	}
	if err != nil {
		return models.User{}, dataErr(ctx, "get user", err)
	}
	return u, nil
}

// ListContacts returns all contacts of a user ordered by ID.
func (s *Store) ListContacts(ctx context.Context, userID int64) ([]models.Contact, error) {
	query := s.db.rebind(`
		SELECT id, user_id, list_id, first_name, last_name, COALESCE(email, ''), category,
		       custom_reminder_days, last_contact_date, created_at
		FROM contacts
		WHERE user_id = ?
		ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, dataErr(ctx, "list contacts", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var (
			c          models.Contact
			listID     sql.NullInt64
			customDays sql.NullInt64
			lastDate   sql.NullTime
			category   string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &listID, &c.FirstName, &c.LastName, &c.Email, &category,
			&customDays, &lastDate, &c.CreatedAt); err != nil {
			return nil, dataErr(ctx, "scan contact", err)
		}
		c.Category = models.Category(category)
		if listID.Valid {
			id := listID.Int64
			c.ListID = &id
		}
		if customDays.Valid {
			days := int(customDays.Int64)
			c.CustomReminderDays = &days
		}
		if lastDate.Valid {
			t := lastDate.Time.UTC()
			c.LastContactDate = &t
		}
		c.CreatedAt = c.CreatedAt.UTC()
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dataErr(ctx, "list contacts", err)
	}
	return contacts, nil
}

// ListContactLists returns all lists of a user ordered by ID.
func (s *Store) ListContactLists(ctx context.Context, userID int64) ([]models.ContactList, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.rebind(`SELECT id, user_id, name, reminder_days FROM contact_lists WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, dataErr(ctx, "list contact lists", err)
	}
	defer rows.Close()

	var lists []models.ContactList
	for rows.Next() {
		var (
			l    models.ContactList
			days sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &days); err != nil {
			return nil, dataErr(ctx, "scan contact list", err)
		}
		if days.Valid {
			d := int(days.Int64)
			l.ReminderDays = &d
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, dataErr(ctx, "list contact lists", err)
	}
	return lists, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (models.User, error) {
	var (
		u         models.User
		createdAt time.Time
	)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.RemindersEnabled, &createdAt); err != nil {
		return models.User{}, err
	}
	u.CreatedAt = createdAt.UTC()
	return u, nil
}

// dataErr marks err as a store failure. Cancellation of the caller's
// context is passed through unmarked so it is not mistaken for an outage.
func dataErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", reminders.ErrDataAccess, op, err)
}
