package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPgx5URL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/app", pgx5URL("postgres://u:p@localhost:5432/app"))
	require.Equal(t, "pgx5://localhost/app", pgx5URL("postgresql://localhost/app"))
	require.Equal(t, "pgx5://already", pgx5URL("pgx5://already"))
}

func TestMigrate_RejectsBadInput(t *testing.T) {
	require.Error(t, Migrate("", nil, "migrations", "up"))
	require.Error(t, Migrate("postgres://localhost/app", nil, "migrations", "sideways"))
}
