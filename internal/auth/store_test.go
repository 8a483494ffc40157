package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-quiz/internal/auth"
	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryStore()

	_, err := store.Get(ctx, "u1")
	require.ErrorIs(t, err, auth.ErrNoCredentials)

	require.NoError(t, store.Put(ctx, "u1", tutorapi.TokenPair{Access: "a", Refresh: "r"}))
	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Access)

	require.NoError(t, store.Delete(ctx, "u1"))
	_, err = store.Get(ctx, "u1")
	assert.ErrorIs(t, err, auth.ErrNoCredentials)

	assert.Error(t, store.Put(ctx, "", tutorapi.TokenPair{Access: "a"}))
}

func TestProvider(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryStore()
	p := auth.Provider(store, "u1")

	_, err := p.Token(ctx)
	require.ErrorIs(t, err, auth.ErrNoCredentials)

	require.NoError(t, store.Put(ctx, "u1", tutorapi.TokenPair{Access: "tok-1"}))
	token, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Token changes after re-login are picked up without rebuilding the provider.
	require.NoError(t, store.Put(ctx, "u1", tutorapi.TokenPair{Access: "tok-2"}))
	token, err = p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}
