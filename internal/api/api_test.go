package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kinect/internal/models"
	"kinect/shared/reminders"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) RunForAllUsers(ctx context.Context, now time.Time) (reminders.RunSummary, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(reminders.RunSummary), args.Error(1)
}

func (m *mockNotifier) RunForUser(ctx context.Context, userID int64, now time.Time) (reminders.UserResult, error) {
	args := m.Called(ctx, userID, now)
	return args.Get(0).(reminders.UserResult), args.Error(1)
}

func (m *mockNotifier) Stats(ctx context.Context, userID int64, now time.Time) (reminders.Stats, error) {
	args := m.Called(ctx, userID, now)
	return args.Get(0).(reminders.Stats), args.Error(1)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(n Notifier, opts Options) http.Handler {
	opts.Logger = zerolog.Nop()
	opts.Clock = func() time.Time { return fixedNow }
	return NewRouter(n, opts)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTriggerDaily(t *testing.T) {
	summary := reminders.RunSummary{
		RunID:          "run-1",
		UsersProcessed: 3,
		EmailsSent:     2,
		Failures:       []reminders.UserFailure{{UserID: 7, Error: "smtp down"}},
	}

	t.Run("returns summary on partial failure", func(t *testing.T) {
		n := &mockNotifier{}
		n.On("RunForAllUsers", mock.Anything, fixedNow).Return(summary, nil).Once()

		rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got reminders.RunSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, 2, got.EmailsSent)
		require.Len(t, got.Failures, 1)
		assert.Equal(t, int64(7), got.Failures[0].UserID)
		n.AssertExpectations(t)
	})

	t.Run("empty failures encode as a list", func(t *testing.T) {
		n := &mockNotifier{}
		n.On("RunForAllUsers", mock.Anything, fixedNow).Return(reminders.RunSummary{RunID: "r"}, nil)

		rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"failures":[]`)
	})

	t.Run("timeout from body bounds the run", func(t *testing.T) {
		n := &mockNotifier{}
		n.On("RunForAllUsers", mock.MatchedBy(func(ctx context.Context) bool {
			deadline, ok := ctx.Deadline()
			return ok && time.Until(deadline) <= 5*time.Second
		}), fixedNow).Return(summary, nil).Once()

		rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", `{"timeout_seconds": 5}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		n.AssertExpectations(t)
	})

	t.Run("bad body", func(t *testing.T) {
		n := &mockNotifier{}
		rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", `{"timeout_seconds": -1}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", `not json`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		n.AssertNotCalled(t, "RunForAllUsers", mock.Anything, mock.Anything)
	})

	t.Run("run in progress", func(t *testing.T) {
		n := &mockNotifier{}
		n.On("RunForAllUsers", mock.Anything, fixedNow).Return(reminders.RunSummary{}, reminders.ErrRunInProgress)

		rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("data access aborts", func(t *testing.T) {
		n := &mockNotifier{}
		n.On("RunForAllUsers", mock.Anything, fixedNow).
			Return(reminders.RunSummary{}, errors.Join(reminders.ErrDataAccess, errors.New("connection refused")))

		rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/trigger-daily", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestTriggerDaily_AdminToken(t *testing.T) {
	n := &mockNotifier{}
	n.On("RunForAllUsers", mock.Anything, fixedNow).Return(reminders.RunSummary{RunID: "r"}, nil)
	router := newTestRouter(n, Options{AdminToken: "secret"})

	rec := do(t, router, http.MethodPost, "/notifications/trigger-daily", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/notifications/trigger-daily", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodPost, "/notifications/trigger-daily", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	n.AssertNumberOfCalls(t, "RunForAllUsers", 1)
}

func TestSendTest(t *testing.T) {
	user := map[string]string{UserIDHeader: "42"}

	tests := []struct {
		name   string
		result reminders.UserResult
		err    error
		status int
	}{
		{
			name:   "sent",
			result: reminders.UserResult{UserID: 42, Sent: true, OverdueCount: 3, MessageID: "<id@kinect>"},
			status: http.StatusOK,
		},
		{
			name:   "nothing overdue",
			result: reminders.UserResult{UserID: 42},
			status: http.StatusOK,
		},
		{
			name:   "unknown user",
			err:    reminders.ErrUserNotFound,
			status: http.StatusNotFound,
		},
		{
			name:   "transient delivery failure",
			err:    &reminders.DeliveryError{Op: "verify", Temporary: true, Err: errors.New("dial tcp: timeout")},
			status: http.StatusBadGateway,
		},
		{
			name:   "permanent delivery failure",
			err:    &reminders.DeliveryError{Op: "send", Recipient: "a@b.c", Err: reminders.ErrInvalidRecipient},
			status: http.StatusBadGateway,
		},
		{
			name:   "data access",
			err:    errors.Join(reminders.ErrDataAccess, errors.New("db down")),
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "unexpected",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &mockNotifier{}
			n.On("RunForUser", mock.Anything, int64(42), fixedNow).Return(tt.result, tt.err).Once()

			rec := do(t, newTestRouter(n, Options{}), http.MethodPost, "/notifications/test", "", user)
			require.Equal(t, tt.status, rec.Code)
			n.AssertExpectations(t)

			if tt.status != http.StatusOK {
				return
			}
			var got testResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.result.Sent, got.Sent)
			assert.Equal(t, tt.result.OverdueCount, got.OverdueCount)
		})
	}
}

func TestUserIdentityRequired(t *testing.T) {
	n := &mockNotifier{}
	router := newTestRouter(n, Options{})

	for _, header := range []string{"", "abc", "0", "-3"} {
		headers := map[string]string{}
		if header != "" {
			headers[UserIDHeader] = header
		}
		rec := do(t, router, http.MethodPost, "/notifications/test", "", headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)

		rec = do(t, router, http.MethodGet, "/notifications/stats", "", headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
	n.AssertNotCalled(t, "RunForUser", mock.Anything, mock.Anything, mock.Anything)
	n.AssertNotCalled(t, "Stats", mock.Anything, mock.Anything, mock.Anything)
}

func TestStats(t *testing.T) {
	stats := reminders.Stats{
		OverdueCount: 1,
		DueSoonCount: 2,
		Overdue: []reminders.OverdueEntry{
			{ContactID: 5, FirstName: "Ada", LastName: "Lovelace", Name: "Ada Lovelace", DaysSinceContact: 40, Threshold: 30, DaysOverdue: 10},
		},
		Warnings: []reminders.ContactWarning{{ContactID: 9, Reason: "missing name"}},
	}

	n := &mockNotifier{}
	n.On("Stats", mock.Anything, int64(1), fixedNow).Return(stats, nil).Once()
	n.On("Stats", mock.Anything, int64(2), fixedNow).Return(reminders.Stats{}, reminders.ErrUserNotFound).Once()
	router := newTestRouter(n, Options{})

	rec := do(t, router, http.MethodGet, "/notifications/stats", "", map[string]string{UserIDHeader: "1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got reminders.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stats, got)

	rec = do(t, router, http.MethodGet, "/notifications/stats", "", map[string]string{UserIDHeader: "2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	n.AssertExpectations(t)
}

func TestHealthAndReadiness(t *testing.T) {
	var storeErr error
	opts := Options{
		Checks: map[string]Pinger{
			"database": pingFunc(func(context.Context) error { return storeErr }),
			"redis":    pingFunc(func(context.Context) error { return nil }),
		},
	}
	router := newTestRouter(&mockNotifier{}, opts)

	rec := do(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"database":"ok","redis":"ok"}`, rec.Body.String())

	storeErr = errors.New("database is locked")
	rec = do(t, router, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"database":"database is locked","redis":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := reminders.NewMetrics("kinect", reg)
	metrics.IncRun("completed")

	router := newTestRouter(&mockNotifier{}, Options{Gatherer: reg})
	rec := do(t, router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kinect_reminder_runs_total{outcome="completed"} 1`)

	router = newTestRouter(&mockNotifier{}, Options{})
	rec = do(t, router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type mockTrigger struct {
	mock.Mock
}

func (m *mockTrigger) RunNow(ctx context.Context) (reminders.RunSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(reminders.RunSummary), args.Error(1)
}

func (m *mockTrigger) LastRun() (reminders.RunSummary, bool) {
	args := m.Called()
	return args.Get(0).(reminders.RunSummary), args.Bool(1)
}

func (m *mockTrigger) Next() time.Time {
	return m.Called().Get(0).(time.Time)
}

func (m *mockTrigger) IsRunning() bool {
	return m.Called().Bool(0)
}

func TestTriggerDaily_UsesScheduler(t *testing.T) {
	n := &mockNotifier{}
	tr := &mockTrigger{}
	tr.On("RunNow", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= 5*time.Second
	})).Return(reminders.RunSummary{RunID: "sched-1"}, nil).Once()

	rec := do(t, newTestRouter(n, Options{Trigger: tr}), http.MethodPost, "/notifications/trigger-daily", `{"timeout_seconds": 5}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"sched-1"`)
	tr.AssertExpectations(t)
	n.AssertNotCalled(t, "RunForAllUsers", mock.Anything, mock.Anything)
}

func TestSchedule(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec := do(t, newTestRouter(&mockNotifier{}, Options{}), http.MethodGet, "/notifications/schedule", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"enabled":false,"running":false}`, rec.Body.String())
	})

	t.Run("reports next and last run", func(t *testing.T) {
		next := fixedNow.Add(21 * time.Hour)
		tr := &mockTrigger{}
		tr.On("IsRunning").Return(true)
		tr.On("Next").Return(next)
		tr.On("LastRun").Return(reminders.RunSummary{RunID: "last", EmailsSent: 4}, true)

		rec := do(t, newTestRouter(&mockNotifier{}, Options{Trigger: tr}), http.MethodGet, "/notifications/schedule", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var got scheduleResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.Enabled)
		assert.True(t, got.Running)
		require.NotNil(t, got.NextRun)
		assert.True(t, next.Equal(*got.NextRun))
		require.NotNil(t, got.LastRun)
		assert.Equal(t, "last", got.LastRun.RunID)
		assert.Equal(t, 4, got.LastRun.EmailsSent)
	})

	t.Run("no runs yet", func(t *testing.T) {
		tr := &mockTrigger{}
		tr.On("IsRunning").Return(false)
		tr.On("Next").Return(time.Time{})
		tr.On("LastRun").Return(reminders.RunSummary{}, false)

		rec := do(t, newTestRouter(&mockNotifier{}, Options{Trigger: tr}), http.MethodGet, "/notifications/schedule", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"enabled":true,"running":false}`, rec.Body.String())
	})

	t.Run("requires admin token", func(t *testing.T) {
		rec := do(t, newTestRouter(&mockNotifier{}, Options{AdminToken: "secret"}), http.MethodGet, "/notifications/schedule", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

type emptyStore struct{}

func (emptyStore) ListUsers(context.Context) ([]models.User, error) { return nil, nil }

func (emptyStore) GetUser(context.Context, int64) (models.User, error) {
	return models.User{}, reminders.ErrUserNotFound
}

func (emptyStore) ListContacts(context.Context, int64) ([]models.Contact, error) { return nil, nil }

func (emptyStore) ListContactLists(context.Context, int64) ([]models.ContactList, error) {
	return nil, nil
}

type noTransports struct{}

func (noTransports) NewTransport() (reminders.Transport, error) {
	return nil, errors.New("no transport in tests")
}

func TestTriggerDaily_RecordsSchedulerHistory(t *testing.T) {
	engine := reminders.NewEngine(nil, emptyStore{}, noTransports{})
	scheduler, err := reminders.NewScheduler(reminders.DefaultSchedulerConfig(), engine, zerolog.Nop())
	require.NoError(t, err)

	router := newTestRouter(engine, Options{Trigger: scheduler})

	rec := do(t, router, http.MethodPost, "/notifications/trigger-daily", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary reminders.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.NotEmpty(t, summary.RunID)

	rec = do(t, router, http.MethodGet, "/notifications/schedule", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got scheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Enabled)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, summary.RunID, got.LastRun.RunID)
}
