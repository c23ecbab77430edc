package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"annotask/internal/apperr"
	"annotask/internal/config"
	"annotask/internal/domain"
	"annotask/internal/repo"
)

// ResolveContributor returns the contributor acting for a request. An
// authenticated subject without a row is provisioned on the fly with the
// task API switched on. With no subject, the fixed anonymous contributor is
// used when allowAnonymous is set.
func ResolveContributor(ctx context.Context, r repo.ContributorStore, subject string, allowAnonymous bool, now time.Time) (domain.Contributor, error) {
	if subject == "" {
		if !allowAnonymous {
			return domain.Contributor{}, apperr.New(apperr.CodeUnauthorized, http.StatusUnauthorized, "Authentication required")
		}
		subject = domain.AnonymousContributorID
	}
	c, err := r.GetContributor(ctx, subject)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contributor{}, apperr.Wrap(err, "Failed to load contributor")
	}
	c = domain.Contributor{
		ID:           subject,
		Tier:         domain.TierDefault,
		FeatureFlags: map[string]bool{domain.FeatureMobileTasks: true},
		CreatedAt:    now.UTC(),
	}
	if err := r.UpsertContributor(ctx, c); err != nil {
		return domain.Contributor{}, apperr.Wrap(fmt.Errorf("provision contributor %s: %w", subject, err), "Failed to provision contributor")
	}
	return c, nil
}

// CheckAccess applies the service kill switch and the per-contributor task
// flag. Read-only backlog queries skip the per-contributor flag.
func CheckAccess(cfg *config.Config, c domain.Contributor, readOnly bool) error {
	if cfg != nil && !cfg.Tasks.Enabled {
		return apperr.New(apperr.CodeFeatureDisabled, http.StatusServiceUnavailable, "Task API is disabled")
	}
	if readOnly {
		return nil
	}
	if !c.HasFeature(domain.FeatureMobileTasks) {
		return apperr.New(apperr.CodeFeatureDisabled, http.StatusForbidden, "Task API is not enabled for this account")
	}
	return nil
}
