package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyTiers(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	cases := []struct {
		req  Request
		want Tier
	}{
		{Request{Surface: SurfaceHTTP, Method: "GET", Path: "/api/v1/sessions"}, TierRead},
		{Request{Surface: SurfaceHTTP, Method: "POST", Path: "/api/v1/sessions/:id/claim"}, TierWrite},
		{Request{Surface: SurfaceHTTP, Method: "PATCH", Path: "/api/v1/sessions/:id"}, TierWrite},
		{Request{Surface: SurfaceHTTP, Method: "GET", Path: "/health"}, TierExempt},
		{Request{Surface: SurfaceWS, Event: "send-message"}, TierWrite},
		{Request{Surface: SurfaceWS, Event: "join-session"}, TierRead},
	}
	for _, tc := range cases {
		got, err := engine.Classify(ctx, tc.req)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%+v", tc.req)
	}

	// Memoized answers stay stable.
	got, err := engine.Classify(ctx, cases[1].req)
	require.NoError(t, err)
	assert.Equal(t, TierWrite, got)
}

func TestClassifyCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		tier, err := engine.Classify(ctx, Request{Surface: SurfaceWS, Event: fmt.Sprintf("junk-%d", i)})
		require.NoError(t, err)
		require.Equal(t, TierRead, tier)
	}

	entries := 0
	engine.cache.Range(func(_, _ any) bool {
		entries++
		return true
	})
	assert.Equal(t, maxCachedInputs, entries)
	assert.Equal(t, int64(maxCachedInputs), engine.cached.Load())

	// Inputs past the bound are still classified.
	tier, err := engine.Classify(ctx, Request{Surface: SurfaceWS, Event: "send-message"})
	require.NoError(t, err)
	assert.Equal(t, TierWrite, tier)
}

func TestCustomPolicyRejectsUnknownTier(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package request_policy

default tier = "bulk"
`)
	require.NoError(t, err)

	_, err = engine.Classify(ctx, Request{Surface: SurfaceWS, Event: "send-message"})
	assert.Error(t, err)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package request_policy\n tier = {")
	assert.Error(t, err)
}
