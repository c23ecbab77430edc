package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"annotask/internal/domain"
)

func TestTierRank(t *testing.T) {
	assert.Equal(t, 1, TierRank(""))
	assert.Equal(t, 1, TierRank("bronze"))
	assert.Equal(t, 2, TierRank(domain.TierSilver))
	assert.Equal(t, 3, TierRank(domain.TierGold))
}

func TestHasTaskType(t *testing.T) {
	empty := Parse(domain.Capabilities{})
	assert.True(t, empty.HasTaskType(domain.TaskTypeSafetyFlag))

	limited := Parse(domain.Capabilities{TaskTypes: []string{domain.TaskTypeAccentTag}})
	assert.True(t, limited.HasTaskType(domain.TaskTypeAccentTag))
	assert.False(t, limited.HasTaskType(domain.TaskTypeSafetyFlag))
}

func TestIsEligible(t *testing.T) {
	clip := &domain.Clip{ID: "clip-1", Meta: map[string]any{"dialect_region": "Gulf", "language": "ar"}}

	cases := []struct {
		name        string
		contributor domain.Contributor
		task        domain.Task
		clip        *domain.Clip
		want        bool
	}{
		{
			name:        "no constraints",
			contributor: domain.Contributor{ID: "c"},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag},
			want:        true,
		},
		{
			name:        "tier too low",
			contributor: domain.Contributor{Tier: domain.TierSilver},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_tier": "gold"}},
			want:        false,
		},
		{
			name:        "tier satisfied",
			contributor: domain.Contributor{Tier: domain.TierGold},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_tier": "silver"}},
			want:        true,
		},
		{
			name:        "unknown required tier ranks as default",
			contributor: domain.Contributor{},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_tier": "platinum"}},
			want:        true,
		},
		{
			name:        "locale mismatch",
			contributor: domain.Contributor{Locale: "en-US"},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_locale": "ar-AE"}},
			want:        false,
		},
		{
			name:        "locale unknown on contributor",
			contributor: domain.Contributor{},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_locale": "ar-AE"}},
			want:        true,
		},
		{
			name:        "geo mismatch",
			contributor: domain.Contributor{GeoCountry: "US"},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_geo_country": "AE"}},
			want:        false,
		},
		{
			name:        "missing role",
			contributor: domain.Contributor{Capabilities: domain.Capabilities{Roles: []string{"annotator"}}},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_roles": []any{"reviewer"}}},
			want:        false,
		},
		{
			name:        "role from account field",
			contributor: domain.Contributor{Role: "reviewer"},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_roles": []any{"reviewer"}}},
			want:        true,
		},
		{
			name:        "any role allowed",
			contributor: domain.Contributor{},
			task:        domain.Task{TaskType: domain.TaskTypeSafetyFlag, Meta: map[string]any{"required_roles": []any{"reviewer", "any"}}},
			want:        true,
		},
		{
			name:        "translation direction missing",
			contributor: domain.Contributor{Capabilities: domain.Capabilities{CanTranslate: []string{"ar->fr"}}},
			task:        domain.Task{TaskType: domain.TaskTypeTranslationCheck, Meta: map[string]any{"direction": "ar->en"}},
			want:        false,
		},
		{
			name:        "translation direction required even with empty set",
			contributor: domain.Contributor{},
			task:        domain.Task{TaskType: domain.TaskTypeTranslationCheck, Meta: map[string]any{"lang_pair": "ar->en"}},
			want:        false,
		},
		{
			name:        "translation source language",
			contributor: domain.Contributor{Capabilities: domain.Capabilities{CanTranslate: []string{"ar->en"}, Languages: []string{"fr"}}},
			task:        domain.Task{TaskType: domain.TaskTypeTranslationCheck, Meta: map[string]any{"direction": "ar->en", "source_lang": "ar"}},
			want:        false,
		},
		{
			name:        "accent region from clip meta",
			contributor: domain.Contributor{Capabilities: domain.Capabilities{AccentRegions: []string{"Levantine"}}},
			task:        domain.Task{TaskType: domain.TaskTypeAccentTag},
			clip:        clip,
			want:        false,
		},
		{
			name:        "accent region permissive when undeclared",
			contributor: domain.Contributor{},
			task:        domain.Task{TaskType: domain.TaskTypeAccentTag},
			clip:        clip,
			want:        true,
		},
		{
			name:        "emotion language",
			contributor: domain.Contributor{Capabilities: domain.Capabilities{Languages: []string{"ar"}}},
			task:        domain.Task{TaskType: domain.TaskTypeEmotionTag},
			clip:        clip,
			want:        true,
		},
		{
			name:        "gesture language mismatch",
			contributor: domain.Contributor{Capabilities: domain.Capabilities{Languages: []string{"en"}}},
			task:        domain.Task{TaskType: domain.TaskTypeGestureTag, Meta: map[string]any{"language": "ar"}},
			want:        false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caps := Parse(tc.contributor.Capabilities)
			got := IsEligible(tc.contributor, caps, tc.task, tc.clip)
			assert.Equal(t, tc.want, got)
			// Same inputs, same answer.
			assert.Equal(t, got, IsEligible(tc.contributor, caps, tc.task, tc.clip))
		})
	}
}
