//go:build postgres_integration

package notify

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	p, pool, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	n := sample()
	n.VehicleID = "it-" + t.Name()
	_, _ = pool.Exec(ctx, "DELETE FROM dispatch_notifications WHERE vehicle_id = $1", n.VehicleID)

	require.NoError(t, p.Emit(ctx, n))
	n.ID = "n-replayed"
	require.NoError(t, p.Emit(ctx, n))

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM dispatch_notifications WHERE vehicle_id = $1", n.VehicleID).Scan(&count))
	require.Equal(t, 1, count)
}
