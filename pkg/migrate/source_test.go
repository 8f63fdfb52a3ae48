package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "simple",
			sql:  "CREATE TABLE a (id int);\nCREATE TABLE b (id int);\n",
			want: []string{"CREATE TABLE a (id int)", "CREATE TABLE b (id int)"},
		},
		{
			name: "semicolon in string",
			sql:  "INSERT INTO t VALUES ('a;b'); SELECT 1",
			want: []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name: "escaped quotes",
			sql:  `INSERT INTO t VALUES ('it''s;', 'x\';y');`,
			want: []string{`INSERT INTO t VALUES ('it''s;', 'x\';y')`},
		},
		{
			name: "comments",
			sql:  "-- leading; comment\nSELECT 1; /* block; */ SELECT 2;\n-- trailing",
			want: []string{"-- leading; comment\nSELECT 1", "/* block; */ SELECT 2"},
		},
		{
			name: "dollar quoted body",
			sql:  "CREATE FUNCTION f() RETURNS int AS $body$ BEGIN RETURN 1; END; $body$ LANGUAGE plpgsql; SELECT $1",
			want: []string{
				"CREATE FUNCTION f() RETURNS int AS $body$ BEGIN RETURN 1; END; $body$ LANGUAGE plpgsql",
				"SELECT $1",
			},
		},
		{
			name: "empty",
			sql:  " ;\n; -- nothing\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitStatements(tt.sql))
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"2024_01_02_000000_create_orders.sql":     "CREATE TABLE orders (id int);",
		"2024_01_01_000000_create_users.up.sql":   "CREATE TABLE users (id int);",
		"2024_01_01_000000_create_users.down.sql": "DROP TABLE users;",
	}

	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	migrations, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "2024_01_01_000000_create_users", migrations[0].ID)
	assert.Equal(t, "2024_01_02_000000_create_orders", migrations[1].ID)
	assert.Equal(t, []string{"CREATE TABLE orders (id int)"}, migrations[1].Statements)
	assert.Len(t, migrations[0].Checksum(), 64)

	single, err := Load(filepath.Join(dir, "2024_01_02_000000_create_orders.sql"))
	require.NoError(t, err)
	require.Len(t, single, 1)

	_, err = Load(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
