package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/store/memory"
)

// newTestRoot returns a root command whose commands all share one seeded
// in-memory store.
func newTestRoot(t *testing.T) (*memory.Store, func(args ...string) (string, error)) {
	t.Helper()
	repo := memory.NewSeeded()
	t.Cleanup(func() { _ = repo.Close() })

	opener := func(_ context.Context, _ *RootOptions, _ io.Writer) (*Env, error) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		return newEnv(repo, func() error { return nil }, logger), nil
	}

	run := func(args ...string) (string, error) {
		cmd := newRootCommand(opener)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(args)
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}
	return repo, run
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "billctl", cmd.Use)
	for _, name := range []string{"recalc", "drift", "orphans", "watch"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	for _, flag := range []string{"verbose", "format", "database-url"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCommandRejectsUnknownFormat(t *testing.T) {
	_, run := newTestRoot(t)

	_, err := run("orphans", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRecalcCommand(t *testing.T) {
	_, run := newTestRoot(t)

	out, err := run("recalc", "bill-demo-1")
	require.NoError(t, err)
	assert.Contains(t, out, "B001 bill-demo-1")
	assert.Contains(t, out, "amount=990.00")
	assert.Contains(t, out, "products=2")

	_, err = run("recalc", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = run("recalc")
	require.Error(t, err)
}

func TestDriftCommandReportsAndFixes(t *testing.T) {
	repo, run := newTestRoot(t)

	out, err := run("drift")
	require.NoError(t, err)
	assert.Equal(t, "no drift\n", out)

	wrong := 1.0
	_, err = repo.UpdateBill(context.Background(), "bill-demo-2", domain.BillPatch{TotalAmount: &wrong})
	require.NoError(t, err)

	out, err = run("drift", "--format", "json")
	require.NoError(t, err)
	var report driftReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, "bill-demo-2", report.Drifted[0].BillID)
	assert.Empty(t, report.Fixed)

	out, err = run("drift", "--fix")
	require.NoError(t, err)
	assert.Contains(t, out, "bill-demo-2: total_amount 1.00!=720.00")
	assert.Contains(t, out, "fixed 1 bill(s)")

	out, err = run("drift")
	require.NoError(t, err)
	assert.Equal(t, "no drift\n", out)
}

func TestOrphansCommand(t *testing.T) {
	_, run := newTestRoot(t)

	out, err := run("orphans", "--format", "json")
	require.NoError(t, err)
	var orphans []domain.Product
	require.NoError(t, json.Unmarshal([]byte(out), &orphans))
	require.Len(t, orphans, 1)
	assert.Equal(t, "Sabun Mandi", orphans[0].ProductName)

	out, err = run("orphans")
	require.NoError(t, err)
	assert.Contains(t, out, "Sabun Mandi")
	assert.True(t, strings.HasSuffix(out, "1 orphan(s)\n"))
}

func TestWatchCommandPrintsSnapshots(t *testing.T) {
	_, run := newTestRoot(t)

	out, err := run("watch", "--count", "1", "--status", "archived")
	require.NoError(t, err)
	assert.Contains(t, out, "-- 1 bill(s)")
	assert.Contains(t, out, "B003\tSumber Makmur\tarchived")

	out, err = run("watch", "--count", "1", "--format", "json")
	require.NoError(t, err)
	var snap struct {
		Items []domain.Bill `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Len(t, snap.Items, 3)

	_, err = run("watch", "--count=-1")
	require.Error(t, err)
}
