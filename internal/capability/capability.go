// Package capability decides whether a contributor may work on a task.
package capability

import (
	"annotask/internal/domain"
)

// Set is the parsed form of a contributor's declared capabilities. An empty
// set on any axis matches everything on that axis.
type Set struct {
	Languages     map[string]struct{}
	CanTranslate  map[string]struct{}
	AccentRegions map[string]struct{}
	Roles         map[string]struct{}
	TaskTypes     map[string]struct{}
}

func Parse(c domain.Capabilities) Set {
	return Set{
		Languages:     toSet(c.Languages),
		CanTranslate:  toSet(c.CanTranslate),
		AccentRegions: toSet(c.AccentRegions),
		Roles:         toSet(c.Roles),
		TaskTypes:     toSet(c.TaskTypes),
	}
}

// HasTaskType reports whether the contributor accepts the task type.
func (s Set) HasTaskType(taskType string) bool {
	return len(s.TaskTypes) == 0 || has(s.TaskTypes, taskType)
}

// TierRank orders tiers; unknown and empty tiers rank 1.
func TierRank(tier string) int {
	switch tier {
	case domain.TierGold:
		return 3
	case domain.TierSilver:
		return 2
	default:
		return 1
	}
}

func matchesTier(current, required string) bool {
	if required == "" {
		return true
	}
	return TierRank(current) >= TierRank(required)
}

// IsEligible applies the tier, locale, geo, role and task-type gates in
// order. clip may be nil.
func IsEligible(c domain.Contributor, caps Set, t domain.Task, clip *domain.Clip) bool {
	clipMeta := func(key string) string {
		if clip == nil {
			return ""
		}
		return clip.MetaString(key)
	}

	if !matchesTier(c.Tier, t.MetaString("required_tier")) {
		return false
	}
	if loc := t.MetaString("required_locale"); loc != "" && c.Locale != "" && loc != c.Locale {
		return false
	}
	if geo := t.MetaString("required_geo_country"); geo != "" && c.GeoCountry != "" && geo != c.GeoCountry {
		return false
	}
	if roles := metaStrings(t.Meta, "required_roles"); len(roles) > 0 {
		ok := false
		for _, r := range roles {
			if r == "any" || has(caps.Roles, r) || (c.Role != "" && c.Role == r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	switch t.TaskType {
	case domain.TaskTypeTranslationCheck:
		direction := firstNonEmpty(t.MetaString("direction"), clipMeta("direction"), t.MetaString("lang_pair"))
		if direction != "" && !has(caps.CanTranslate, direction) {
			return false
		}
		source := firstNonEmpty(t.MetaString("source_lang"), clipMeta("source_lang"))
		if source != "" && len(caps.Languages) > 0 && !has(caps.Languages, source) {
			return false
		}
	case domain.TaskTypeAccentTag:
		region := firstNonEmpty(t.MetaString("accent_region"), clipMeta("accent_region"), clipMeta("dialect_region"))
		if region != "" && len(caps.AccentRegions) > 0 && !has(caps.AccentRegions, region) {
			return false
		}
	case domain.TaskTypeEmotionTag, domain.TaskTypeGestureTag:
		lang := firstNonEmpty(t.MetaString("language"), clipMeta("language"))
		if lang != "" && len(caps.Languages) > 0 && !has(caps.Languages, lang) {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func has(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
