package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://arb:secret@db:5432/arbengine?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "arbengine", User: "arb", Password: "secret"}))
	assert.Equal(t, "postgres://u:p@h:6543/d?sslmode=require",
		DSN(ClientConfig{Host: "h", Port: 6543, Database: "d", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestLegRole(t *testing.T) {
	assert.Equal(t, roleBuy, legRole(0))
	assert.Equal(t, roleSell, legRole(1))
	assert.Equal(t, roleUnwind, legRole(2))
	assert.Equal(t, roleUnwind, legRole(5))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	for _, table := range []string{"executions", "execution_legs", "risk_events", "grid_cycles", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}
