package app_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotask/internal/app"
	"annotask/internal/apperr"
	"annotask/internal/config"
	"annotask/internal/domain"
	"annotask/internal/repo"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestResolveContributor(t *testing.T) {
	ctx := context.Background()
	r := repo.NewMemory()
	existing := domain.Contributor{ID: "c1", Tier: domain.TierGold}
	require.NoError(t, r.UpsertContributor(ctx, existing))

	got, err := app.ResolveContributor(ctx, r, "c1", false, now)
	require.NoError(t, err)
	assert.Equal(t, domain.TierGold, got.Tier)
	assert.False(t, got.HasFeature(domain.FeatureMobileTasks))

	fresh, err := app.ResolveContributor(ctx, r, "new-user", false, now)
	require.NoError(t, err)
	assert.True(t, fresh.HasFeature(domain.FeatureMobileTasks))
	stored, err := r.GetContributor(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, "new-user", stored.ID)

	_, err = app.ResolveContributor(ctx, r, "", false, now)
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthorized))

	anon, err := app.ResolveContributor(ctx, r, "", true, now)
	require.NoError(t, err)
	assert.Equal(t, domain.AnonymousContributorID, anon.ID)
}

func TestCheckAccess(t *testing.T) {
	cfg := config.Default()
	enabled := domain.Contributor{ID: "c1", FeatureFlags: map[string]bool{domain.FeatureMobileTasks: true}}
	disabled := domain.Contributor{ID: "c2"}

	assert.NoError(t, app.CheckAccess(cfg, enabled, false))
	assert.NoError(t, app.CheckAccess(cfg, disabled, true))

	err := app.CheckAccess(cfg, disabled, false)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeFeatureDisabled, e.Code)
	assert.Equal(t, http.StatusForbidden, e.Status)

	cfg.Tasks.Enabled = false
	e, ok = apperr.As(app.CheckAccess(cfg, enabled, true))
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, e.Status)
}
