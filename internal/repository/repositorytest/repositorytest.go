// Package repositorytest holds a behavioural suite every repository.Store
// implementation must pass.
package repositorytest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagkit/internal/repository"
)

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Helper()

	t.Run("find missing flag", func(t *testing.T) {
		store := newStore(t)

		_, err := store.FindByNameAndEnvironment(context.Background(), "missing", "test")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("save and reload keeps rule order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		saved, err := store.SaveFlag(ctx, repository.Flag{
			Name:        "checkout",
			Environment: "production",
			Enabled:     true,
			Description: "new checkout flow",
			Rules: []repository.Rule{
				{ID: "r-targeted", Name: "brazil", Type: "targeted", Config: json.RawMessage(`{"attribute":"country","values":["BR"]}`)},
				{ID: "r-percentage", Name: "half", Type: "percentage", Config: json.RawMessage(`{"percentage":50,"totalBuckets":10}`)},
				{ID: "r-staff", Name: "staff", Type: "targeted", Config: json.RawMessage(`{"attribute":"role","values":["staff"]}`)},
			},
		})
		require.NoError(t, err)
		require.NotEmpty(t, saved.ID)

		loaded, err := store.FindByNameAndEnvironment(ctx, "checkout", "production")
		require.NoError(t, err)
		require.Equal(t, saved.ID, loaded.ID)
		require.True(t, loaded.Enabled)
		require.Equal(t, "new checkout flow", loaded.Description)
		require.Len(t, loaded.Rules, 3)
		for i, want := range []string{"r-targeted", "r-percentage", "r-staff"} {
			require.Equal(t, want, loaded.Rules[i].ID)
			require.Equal(t, i, loaded.Rules[i].Position)
		}
		require.Equal(t, "percentage", loaded.Rules[1].Type)
		require.JSONEq(t, `{"percentage":50,"totalBuckets":10}`, string(loaded.Rules[1].Config))
	})

	t.Run("save upserts by name and environment", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first, err := store.SaveFlag(ctx, repository.Flag{
			ID:          "flag-1",
			Name:        "search",
			Environment: "test",
			Rules: []repository.Rule{
				{ID: "a", Type: "percentage", Config: json.RawMessage(`{"percentage":10}`)},
				{ID: "b", Type: "percentage", Config: json.RawMessage(`{"percentage":20}`)},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "flag-1", first.ID)

		second, err := store.SaveFlag(ctx, repository.Flag{
			ID:          "flag-2",
			Name:        "search",
			Environment: "test",
			Enabled:     true,
			Rules: []repository.Rule{
				{ID: "c", Type: "targeted", Config: json.RawMessage(`{"attribute":"plan","values":["pro"]}`)},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "flag-1", second.ID, "existing row keeps its id")

		loaded, err := store.FindByNameAndEnvironment(ctx, "search", "test")
		require.NoError(t, err)
		require.True(t, loaded.Enabled)
		require.Len(t, loaded.Rules, 1)
		require.Equal(t, "c", loaded.Rules[0].ID)

		other, err := store.SaveFlag(ctx, repository.Flag{Name: "search", Environment: "production"})
		require.NoError(t, err)
		require.NotEqual(t, first.ID, other.ID)
		require.Empty(t, other.Rules)
	})

	t.Run("evaluations are returned newest first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		flag, err := store.SaveFlag(ctx, repository.Flag{Name: "audit", Environment: "test"})
		require.NoError(t, err)

		for i := range 3 {
			require.NoError(t, store.RecordEvaluation(ctx, repository.Evaluation{
				FlagID:      flag.ID,
				Environment: "test",
				Context:     json.RawMessage(fmt.Sprintf(`{"userId":"u%d"}`, i)),
				Enabled:     i%2 == 0,
				Reason:      "percentage",
			}))
		}

		evaluations, err := store.GetEvaluations(ctx, flag.ID)
		require.NoError(t, err)
		require.Len(t, evaluations, 3)
		require.JSONEq(t, `{"userId":"u2"}`, string(evaluations[0].Context))
		require.JSONEq(t, `{"userId":"u0"}`, string(evaluations[2].Context))
		require.True(t, evaluations[0].Enabled)
		require.False(t, evaluations[1].Enabled)
		require.Equal(t, flag.ID, evaluations[0].FlagID)
		require.False(t, evaluations[0].CreatedAt.IsZero())

		none, err := store.GetEvaluations(ctx, "unknown")
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(context.Background()))
	})
}
