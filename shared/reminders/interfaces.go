package reminders

import (
	"context"
	"time"

	"kinect/internal/models"
)

// ContactStore provides read-only access to users, contacts and lists.
// The reminder engine never writes through it.
type ContactStore interface {
	// ListUsers returns every user that may receive a digest.
	ListUsers(ctx context.Context) ([]models.User, error)

	// GetUser returns a single user or ErrUserNotFound.
	GetUser(ctx context.Context, userID int64) (models.User, error)

	// ListContacts returns all contacts owned by the user.
	ListContacts(ctx context.Context, userID int64) ([]models.Contact, error)

	// ListContactLists returns all lists owned by the user, so list
	// references on contacts can be resolved.
	ListContactLists(ctx context.Context, userID int64) ([]models.ContactList, error)
}

// Message is a composed digest addressed to one recipient.
type Message struct {
	To       string
	ToName   string
	Subject  string
	TextBody string
	HTMLBody string
}

// SendResult is what a transport reports for an accepted message.
type SendResult struct {
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
	MessageID string   `json:"message_id"`
}

// Transport is a single mail transport connection.
// A Transport is owned by one goroutine at a time.
type Transport interface {
	// Verify performs the handshake with the mail server.
	Verify(ctx context.Context) error

	// Send delivers msg. Verify must have succeeded first.
	Send(ctx context.Context, msg *Message) (SendResult, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// TransportFactory creates unconnected transports.
type TransportFactory interface {
	NewTransport() (Transport, error)
}

// RunLock guards the batch path so that only one run is active at a time.
type RunLock interface {
	// Acquire returns ErrRunInProgress when the lock is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
