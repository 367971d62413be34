package dbsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresConnString(t *testing.T) {
	c := PostgresConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "clicks",
		Password: `p'a\ss`,
		Database: "events",
	}
	assert.Equal(t, `host='db.internal' port='5432' user='clicks' password='p\'a\\ss' dbname='events'`, c.ConnString())

	assert.Equal(t, `host='localhost'`, PostgresConfig{Host: "localhost"}.ConnString())
}

func TestPostgresPoolConfig(t *testing.T) {
	c := PostgresConfig{
		Host:     "db.internal",
		Port:     6543,
		User:     "clicks",
		Password: `p'a\ss`,
		Database: "events",
		MinConns: 1,
		MaxConns: 5,
	}
	cfg, err := c.poolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(1), cfg.MinConns)
	assert.Equal(t, int32(5), cfg.MaxConns)
	assert.Equal(t, "db.internal", cfg.ConnConfig.Host)
	assert.Equal(t, uint16(6543), cfg.ConnConfig.Port)
	assert.Equal(t, "clicks", cfg.ConnConfig.User)
	assert.Equal(t, `p'a\ss`, cfg.ConnConfig.Password)
	assert.Equal(t, "events", cfg.ConnConfig.Database)
}

func TestPostgresPoolConfig_RejectsInvertedBounds(t *testing.T) {
	_, err := PostgresConfig{Host: "h", MinConns: 10, MaxConns: 5}.poolConfig()
	assert.Error(t, err)
}

func TestSchemaStatements(t *testing.T) {
	require.Len(t, PostgresDialect.Schema, 1)
	assert.Contains(t, PostgresDialect.Schema[0], "CREATE TABLE IF NOT EXISTS clicks")
	assert.Contains(t, PostgresDialect.Schema[0], "BIGSERIAL")
	assert.Contains(t, PostgresDialect.Schema[0], `"timestamp" TIMESTAMP NOT NULL`)
	assert.Contains(t, DuckDBDialect.Schema[1], "nextval('clicks_id_seq')")
}
