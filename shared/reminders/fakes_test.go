package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kinect/internal/models"
	"kinect/shared/retry"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) *time.Time {
	t := testNow.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

var errFlaky = errors.New("421 service not available")

func transientErr(op string) error {
	return &DeliveryError{Op: op, Temporary: true, Err: errFlaky}
}

// memStore is an in-memory ContactStore.
type memStore struct {
	mu          sync.Mutex
	users       []models.User
	contacts    map[int64][]models.Contact
	lists       map[int64][]models.ContactList
	listErr     error
	contactErrs map[int64]error
}

func newMemStore() *memStore {
	return &memStore{
		contacts:    make(map[int64][]models.Contact),
		lists:       make(map[int64][]models.ContactList),
		contactErrs: make(map[int64]error),
	}
}

func (s *memStore) addUser(id int64, enabled bool, contacts ...models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, models.User{
		ID:               id,
		Email:            fmt.Sprintf("user%d@example.com", id),
		RemindersEnabled: enabled,
		CreatedAt:        testNow.Add(-365 * 24 * time.Hour),
	})
	for i := range contacts {
		contacts[i].UserID = id
	}
	s.contacts[id] = contacts
}

func (s *memStore) ListUsers(context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.User(nil), s.users...), nil
}

func (s *memStore) GetUser(_ context.Context, userID int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return models.User{}, ErrUserNotFound
}

func (s *memStore) ListContacts(_ context.Context, userID int64) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.contactErrs[userID]; err != nil {
		return nil, err
	}
	return append([]models.Contact(nil), s.contacts[userID]...), nil
}

func (s *memStore) ListContactLists(_ context.Context, userID int64) ([]models.ContactList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ContactList(nil), s.lists[userID]...), nil
}

// fakeFactory hands out fakeTransports that share one script of failures.
type fakeFactory struct {
	mu sync.Mutex

	// verifyFailures is the number of verify calls that fail before the rest succeed.
	verifyFailures int
	verifyErr      error
	// sendErrs maps a recipient to the errors returned by its first sends.
	sendErrs map[string][]error

	created     int
	closed      int
	verifyCalls int
	sent        []*Message
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{sendErrs: make(map[string][]error)}
}

func (f *fakeFactory) NewTransport() (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &fakeTransport{factory: f}, nil
}

func (f *fakeFactory) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.To)
	}
	return out
}

type fakeTransport struct {
	factory *fakeFactory
	closed  bool
}

func (t *fakeTransport) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := t.factory
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyFailures > 0 {
		f.verifyFailures--
		if f.verifyErr != nil {
			return f.verifyErr
		}
		return transientErr("verify")
	}
	return nil
}

func (t *fakeTransport) Send(_ context.Context, msg *Message) (SendResult, error) {
	f := t.factory
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.sendErrs[msg.To]; len(errs) > 0 {
		f.sendErrs[msg.To] = errs[1:]
		return SendResult{Rejected: []string{msg.To}}, errs[0]
	}
	f.sent = append(f.sent, msg)
	return SendResult{Accepted: []string{msg.To}, MessageID: "<" + msg.To + ">"}, nil
}

func (t *fakeTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	f := t.factory
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func overdueContact(id int64, first, last string, days int) models.Contact {
	return models.Contact{
		ID:              id,
		FirstName:       first,
		LastName:        last,
		Category:        models.CategoryFriend,
		LastContactDate: daysAgo(days),
		CreatedAt:       testNow.Add(-400 * 24 * time.Hour),
	}
}
