package reminders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrConfiguration marks invalid or missing configuration. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransientDelivery marks a delivery failure that may succeed on retry.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrPermanentDelivery marks a delivery failure that must not be retried.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	// ErrDataAccess marks an unreachable contact store. It aborts a batch run.
	ErrDataAccess = errors.New("data access failure")
	// ErrMalformedContact marks a contact that cannot be classified.
	ErrMalformedContact = errors.New("malformed contact")
	// ErrNoOverdueContacts is returned instead of an empty digest.
	ErrNoOverdueContacts = errors.New("no overdue contacts")
	// ErrUserNotFound is returned by stores for unknown user IDs.
	ErrUserNotFound = errors.New("user not found")
	// ErrRunInProgress is returned when another batch run holds the run lock.
	ErrRunInProgress = errors.New("reminder run already in progress")
	// ErrInvalidRecipient is a permanent failure for users without a usable address.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// DeliveryError is returned by transports and by the channel.
type DeliveryError struct {
	Op        string // "verify" or "send"
	Recipient string
	Temporary bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "transient"
	}
	if e.Recipient != "" {
		return fmt.Sprintf("%s %s failure for %s: %v", kind, e.Op, e.Recipient, e.Err)
	}
	return fmt.Sprintf("%s %s failure: %v", kind, e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	switch target {
	case ErrTransientDelivery:
		return e.Temporary
	case ErrPermanentDelivery:
		return !e.Temporary
	}
	return false
}

// AsDeliveryError extracts a DeliveryError from err.
func AsDeliveryError(err error) (*DeliveryError, bool) {
	var dErr *DeliveryError
	if errors.As(err, &dErr) {
		return dErr, true
	}
	return nil, false
}

// MalformedContactError explains why a contact was skipped.
type MalformedContactError struct {
	ContactID int64
	Reason    string
}

func (e *MalformedContactError) Error() string {
	return fmt.Sprintf("contact %d: %s", e.ContactID, e.Reason)
}

func (e *MalformedContactError) Is(target error) bool {
	return target == ErrMalformedContact
}

// IsTransient reports whether err is worth retrying. Typed delivery errors
// decide for themselves; otherwise only network-level failures qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if dErr, ok := AsDeliveryError(err); ok {
		return dErr.Temporary
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
