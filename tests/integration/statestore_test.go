//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segurapp/backoffice/internal/statestore"
)

func TestRedisTierRoundtrip(t *testing.T) {
	tier := statestore.NewRedisTier(testRedis)
	ctx := context.Background()
	key := fmt.Sprintf("state:it-%d:main:menu", time.Now().UnixNano())

	require.NoError(t, tier.Set(ctx, key, []byte(`{"step":"await_date"}`), time.Minute))

	data, err := tier.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":"await_date"}`, string(data))

	require.NoError(t, tier.Renew(ctx, key, time.Minute))
	require.NoError(t, tier.Delete(ctx, key))

	_, err = tier.Get(ctx, key)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestRedisTierExpiry(t *testing.T) {
	tier := statestore.NewRedisTier(testRedis)
	ctx := context.Background()
	key := fmt.Sprintf("state:it-%d:main:menu", time.Now().UnixNano())

	require.NoError(t, tier.Set(ctx, key, []byte(`{}`), 500*time.Millisecond))

	require.Eventually(t, func() bool {
		_, err := tier.Get(ctx, key)
		return err != nil
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRedisTierDeletePrefix(t *testing.T) {
	tier := statestore.NewRedisTier(testRedis)
	ctx := context.Background()
	scope := fmt.Sprintf("it-%d", time.Now().UnixNano())

	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("%ssub-%d:menu", statestore.ScopePrefix(scope), i)
		require.NoError(t, tier.Set(ctx, key, []byte(`{}`), time.Minute))
	}
	other := statestore.ScopePrefix(scope+"-other") + "main:menu"
	require.NoError(t, tier.Set(ctx, other, []byte(`{}`), time.Minute))

	removed, err := tier.DeletePrefix(ctx, statestore.ScopePrefix(scope), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 25, removed)

	_, err = tier.Get(ctx, other)
	assert.NoError(t, err, "other scopes stay put")
}

func TestStoreAgainstRedis(t *testing.T) {
	store := statestore.New(statestore.Config{LocalTTL: 50 * time.Millisecond}, statestore.NewRedisTier(testRedis))
	defer store.Close()

	ctx := context.Background()
	scope := fmt.Sprintf("it-%d", time.Now().UnixNano())
	key := statestore.Key{Scope: scope, SubScope: "main", Kind: "menu"}

	type menuState struct {
		Step string `json:"step"`
	}

	require.NoError(t, store.Set(ctx, key, menuState{Step: "await_date"}, time.Minute))

	// Outlive tier 1 so the read goes through Redis.
	time.Sleep(100 * time.Millisecond)

	var got menuState
	found, err := store.Get(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "await_date", got.Step)

	stats := store.Stats(ctx)
	assert.True(t, stats.DurableConnected)
	assert.EqualValues(t, 1, stats.DurableHits)

	require.NoError(t, store.DeleteScope(ctx, scope))
	found, err = store.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)
}
