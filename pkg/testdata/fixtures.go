// Package testdata provides database and fake-data helpers for tests.
package testdata

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/partnerhub/api/pkg/database"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

// NewDB opens a migrated in-memory SQLite database that lives for the
// duration of the test. A single connection keeps every query on the same
// in-memory database and serialises transactions.
func NewDB(t testing.TB) *database.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	client, err := database.Open(context.Background(), database.DriverSQLite, dsn,
		database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// NewSharedDB opens a migrated file-backed SQLite database in WAL mode with
// several connections, so concurrent callers really race each other.
// Transactions begin immediately and wait on the busy timeout.
func NewSharedDB(t testing.TB) *database.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partnerhub.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate", path)
	client, err := database.Open(context.Background(), database.DriverSQLite, dsn,
		database.PoolConfig{MaxOpenConns: 8, MaxIdleConns: 8}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// Applicant is a fake referrer profile.
type Applicant struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Website string
	Bio     string
}

// NewApplicant generates a plausible applicant with a US phone number.
func NewApplicant() Applicant {
	return Applicant{
		Name:    gofakeit.Name(),
		Email:   strings.ToLower(gofakeit.Email()),
		Phone:   fmt.Sprintf("+1202456%04d", gofakeit.Number(0, 9999)),
		Company: gofakeit.Company(),
		Website: "https://" + gofakeit.DomainName(),
		Bio:     gofakeit.Sentence(12),
	}
}

// InsertUser writes a user row directly and returns its id.
func InsertUser(t testing.TB, db *database.Client) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	b := db.Builder()
	query, args := b.Insert(database.TableUsers).
		Columns("id", "email", "name", "created_at", "updated_at").
		Values(id, fmt.Sprintf("%s+%s", id[:8], strings.ToLower(gofakeit.Email())), gofakeit.Name(), now, now).
		Query()
	_, err := database.Exec(context.Background(), db.DB, query, args)
	require.NoError(t, err)
	return id
}

// PurchaseAmount returns a random order value between 10 and 500 with cents.
func PurchaseAmount() string {
	return fmt.Sprintf("%.2f", gofakeit.Price(10, 500))
}

// InsertReferrer writes a referrer row for userID and returns its id.
func InsertReferrer(t testing.TB, db *database.Client, userID, role string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	a := NewApplicant()
	b := db.Builder()
	query, args := b.Insert(database.TableReferrers).
		Columns("id", "user_id", "role", "name", "email", "status", "created_at", "updated_at").
		Values(id, userID, role, a.Name, a.Email, "approved", now, now).
		Query()
	_, err := database.Exec(context.Background(), db.DB, query, args)
	require.NoError(t, err)
	return id
}
