package dbinit

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	db      string
	stmts   *[]string
	execErr func(sql string) error
	closed  bool
}

func (m *mockConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	*m.stmts = append(*m.stmts, m.db+": "+firstLine(sql))
	if m.execErr != nil {
		if err := m.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("SELECT 0"), nil
}

func (m *mockConn) Close(context.Context) error {
	m.closed = true
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// connector fails the first 'failures[db]' connects to each database.
type connector struct {
	failures map[string]int
	attempts map[string]int
	stmts    []string
	execErr  func(sql string) error
	conns    []*mockConn
}

func (c *connector) connect(_ context.Context, dsn string) (Conn, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	db := strings.TrimPrefix(u.Path, "/")
	c.attempts[db]++
	if c.attempts[db] <= c.failures[db] {
		return nil, errors.New("connection refused")
	}
	conn := &mockConn{db: db, stmts: &c.stmts, execErr: c.execErr}
	c.conns = append(c.conns, conn)
	return conn, nil
}

func newConnector(failures map[string]int) *connector {
	if failures == nil {
		failures = map[string]int{}
	}
	return &connector{failures: failures, attempts: map[string]int{}}
}

func testInitializer(c *connector) *Initializer {
	return &Initializer{
		Host:           "db.example.com",
		User:           "dbadmin",
		Password:       "p@ss word",
		Name:           "musicdb",
		MasterAttempts: 5,
		AppAttempts:    5,
		Schema:         "CREATE TABLE a ();",
		Seed:           "INSERT INTO a DEFAULT VALUES;",
		Connect:        c.connect,
	}
}

func TestRun(t *testing.T) {
	c := newConnector(nil)
	require.NoError(t, testInitializer(c).Run(t.Context()))

	assert.Equal(t, []string{
		"postgres: SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		`postgres: DROP DATABASE IF EXISTS "musicdb"`,
		`postgres: CREATE DATABASE "musicdb"`,
		"musicdb: CREATE TABLE a ();",
		"musicdb: INSERT INTO a DEFAULT VALUES;",
	}, c.stmts)
	for _, conn := range c.conns {
		assert.True(t, conn.closed, "connection to %s left open", conn.db)
	}
}

func TestRunRetriesConnect(t *testing.T) {
	c := newConnector(map[string]int{"postgres": 3, "musicdb": 2})
	require.NoError(t, testInitializer(c).Run(t.Context()))
	assert.Equal(t, 4, c.attempts["postgres"])
	assert.Equal(t, 3, c.attempts["musicdb"])
}

func TestRunGivesUp(t *testing.T) {
	c := newConnector(map[string]int{"postgres": 100})
	err := testInitializer(c).Run(t.Context())
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 5, c.attempts["postgres"])
	assert.Zero(t, c.attempts["musicdb"])
}

func TestRunTerminateFailureIsNotFatal(t *testing.T) {
	c := newConnector(nil)
	c.execErr = func(sql string) error {
		if strings.Contains(sql, "pg_terminate_backend") {
			return errors.New("permission denied")
		}
		return nil
	}
	require.NoError(t, testInitializer(c).Run(t.Context()))
}

func TestRunStopsOnSchemaError(t *testing.T) {
	c := newConnector(nil)
	c.execErr = func(sql string) error {
		if strings.HasPrefix(sql, "CREATE TABLE") {
			return errors.New("syntax error")
		}
		return nil
	}
	err := testInitializer(c).Run(t.Context())
	require.ErrorIs(t, err, ErrApplySchema)
	for _, s := range c.stmts {
		assert.NotContains(t, s, "INSERT")
	}
}

func TestRunDropFailure(t *testing.T) {
	c := newConnector(nil)
	c.execErr = func(sql string) error {
		if strings.HasPrefix(sql, "DROP DATABASE") {
			return errors.New("database is being accessed by other users")
		}
		return nil
	}
	err := testInitializer(c).Run(t.Context())
	require.ErrorIs(t, err, ErrDropCreate)
	assert.Zero(t, c.attempts["musicdb"])
}

func TestDSN(t *testing.T) {
	dsn := DSN("db.example.com", 5432, "dbadmin", "p@ss word/:", "musicdb")
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.example.com:5432", u.Host)
	assert.Equal(t, "/musicdb", u.Path)
	assert.Equal(t, "dbadmin", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word/:", pw)
}

func TestEmbeddedPayloads(t *testing.T) {
	assert.Contains(t, Schema, `CREATE TABLE IF NOT EXISTS "Tipo_Utente"`)
	assert.Contains(t, Seed, `INSERT INTO "Tipo_Utente"`)
}
