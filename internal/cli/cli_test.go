package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinect/internal/config"
	"kinect/internal/database"
	"kinect/shared/reminders"
)

const testConfig = `
database:
  driver: sqlite3
  dsn: %DB%
smtp:
  host: 127.0.0.1
  port: 2525
  from_address: reminders@example.com
schedule:
  enabled: false
log:
  level: error
  format: json
`

// setup writes a config pointing at a fresh SQLite file and seeds it.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kinect.db")

	cfgPath := filepath.Join(dir, "config.yaml")
	data := bytes.ReplaceAll([]byte(testConfig), []byte("%DB%"), []byte(dbPath))
	require.NoError(t, os.WriteFile(cfgPath, data, 0o600))

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Driver: database.DriverSQLite, DSN: dbPath, Migrate: true}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	long := time.Now().AddDate(-1, 0, 0)
	recent := time.Now().AddDate(0, 0, -1)
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO users (id, email, display_name, reminders_enabled) VALUES (?, ?, ?, ?)`,
			[]any{1, "ann@example.com", "Ann", false}},
		{`INSERT INTO users (id, email, display_name, reminders_enabled) VALUES (?, ?, ?, ?)`,
			[]any{2, "bob@example.com", "Bob", false}},
		{`INSERT INTO contacts (user_id, first_name, last_name, category, last_contact_date) VALUES (?, ?, ?, ?, ?)`,
			[]any{1, "Cara", "Young", "friend", long}},
		{`INSERT INTO contacts (user_id, first_name, last_name, category, last_contact_date) VALUES (?, ?, ?, ?, ?)`,
			[]any{1, "Dan", "Ortiz", "best_friend", recent}},
	}
	for _, s := range stmts {
		_, err := db.ExecContext(ctx, s.query, s.args...)
		require.NoError(t, err)
	}
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	cfgPath := setup(t)

	out, err := execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)

	var summary reminders.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 2, summary.UsersTotal)
	assert.Equal(t, 2, summary.UsersSkipped)
	assert.Equal(t, 0, summary.EmailsSent)
	assert.Empty(t, summary.Failures)
}

func TestStatsCommand(t *testing.T) {
	cfgPath := setup(t)

	out, err := execute(t, "stats", "--config", cfgPath, "--user", "1")
	require.NoError(t, err)

	var stats reminders.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.OverdueCount)
	require.Len(t, stats.Overdue, 1)
	assert.Equal(t, "Cara Young", stats.Overdue[0].Name)

	_, err = execute(t, "stats", "--config", cfgPath, "--user", "99")
	assert.ErrorIs(t, err, reminders.ErrUserNotFound)
}

func TestSendTestCommand_NothingOverdue(t *testing.T) {
	cfgPath := setup(t)

	out, err := execute(t, "send-test", "--config", cfgPath, "--user", "2")
	require.NoError(t, err)

	var res reminders.UserResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Sent)
	assert.Zero(t, res.OverdueCount)
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("smtp:\n  host: \"\"\n"), 0o600))

	_, err := execute(t, "run", "--config", cfgPath)
	assert.ErrorIs(t, err, reminders.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger = newLogger(config.LogConfig{Level: "bogus"})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
