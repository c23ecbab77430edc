package domain

import (
	"encoding/json"
	"time"
)

// Task types accepted by the contributor API.
const (
	TaskTypeTranslationCheck  = "translation_check"
	TaskTypeAccentTag         = "accent_tag"
	TaskTypeEmotionTag        = "emotion_tag"
	TaskTypeGestureTag        = "gesture_tag"
	TaskTypeSafetyFlag        = "safety_flag"
	TaskTypeSpeakerContinuity = "speaker_continuity"
)

// TaskTypes lists every known task type in display order.
var TaskTypes = []string{
	TaskTypeTranslationCheck,
	TaskTypeAccentTag,
	TaskTypeEmotionTag,
	TaskTypeGestureTag,
	TaskTypeSafetyFlag,
	TaskTypeSpeakerContinuity,
}

// IsTaskType reports whether t is one of TaskTypes.
func IsTaskType(t string) bool {
	for _, known := range TaskTypes {
		if known == t {
			return true
		}
	}
	return false
}

const (
	TaskStatusPending      = "pending"
	TaskStatusInProgress   = "in_progress"
	TaskStatusAutoApproved = "auto_approved"
	TaskStatusNeedsReview  = "needs_review"
	TaskStatusClosed       = "closed"
)

const (
	AssignmentLeased    = "leased"
	AssignmentReleased  = "released"
	AssignmentSubmitted = "submitted"
)

const (
	BundleActive  = "active"
	BundleExpired = "expired"
	BundleClosed  = "closed"
)

const (
	TierDefault = "default"
	TierSilver  = "silver"
	TierGold    = "gold"
)

// FeatureMobileTasks gates the contributor task API per account.
const FeatureMobileTasks = "mobile_tasks"

// AnonymousContributorID acts for unauthenticated requests when anonymous access is enabled.
const AnonymousContributorID = "00000000-0000-4000-8000-000000000042"

type Capabilities struct {
	Languages     []string `json:"langs,omitempty" yaml:"langs"`
	CanTranslate  []string `json:"can_translate,omitempty" yaml:"can_translate"`
	AccentRegions []string `json:"accent_regions,omitempty" yaml:"accent_regions"`
	Roles         []string `json:"roles,omitempty" yaml:"roles"`
	TaskTypes     []string `json:"task_types,omitempty" yaml:"task_types"`
}

type Contributor struct {
	ID           string          `json:"id" yaml:"id"`
	Handle       string          `json:"handle,omitempty" yaml:"handle"`
	Tier         string          `json:"tier,omitempty" yaml:"tier"`
	Role         string          `json:"role,omitempty" yaml:"role"`
	Locale       string          `json:"locale,omitempty" yaml:"locale"`
	GeoCountry   string          `json:"geo_country,omitempty" yaml:"geo_country"`
	Capabilities Capabilities    `json:"capabilities" yaml:"capabilities"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty" yaml:"feature_flags"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
}

// HasFeature reports whether the named per-account flag is switched on.
func (c Contributor) HasFeature(name string) bool {
	return c.FeatureFlags[name]
}

type ContributorStats struct {
	ContributorID string    `json:"contributor_id"`
	EWMAAgreement float64   `json:"ewma_agreement"`
	TasksTotal    int       `json:"tasks_total"`
	TasksAgreed   int       `json:"tasks_agreed"`
	GoldenCorrect int       `json:"golden_correct"`
	GoldenTotal   int       `json:"golden_total"`
	LastActive    time.Time `json:"last_active"`
}

// Task is a unit of annotation work on one clip. Meta carries eligibility
// constraints such as required_tier, required_locale and accent_region.
type Task struct {
	ID                string          `json:"id" yaml:"id"`
	ClipID            string          `json:"clip_id" yaml:"clip_id"`
	TaskType          string          `json:"task_type" yaml:"task_type"`
	Status            string          `json:"status" yaml:"status"`
	TargetVotes       int             `json:"target_votes" yaml:"target_votes"`
	MinGreenForSkipQA int             `json:"min_green_for_skip_qa" yaml:"min_green_for_skip_qa"`
	MinGreenForReview int             `json:"min_green_for_review" yaml:"min_green_for_review"`
	IsGolden          bool            `json:"is_golden" yaml:"is_golden"`
	GoldenAnswer      json.RawMessage `json:"golden_answer,omitempty" yaml:"-"`
	AISuggestion      json.RawMessage `json:"ai_suggestion,omitempty" yaml:"-"`
	Meta              map[string]any  `json:"meta,omitempty" yaml:"meta"`
	PriceCents        int             `json:"price_cents" yaml:"price_cents"`
	CreatedAt         time.Time       `json:"created_at" yaml:"-"`
}

// MetaString returns a string-valued meta entry or "".
func (t Task) MetaString(key string) string {
	return metaString(t.Meta, key)
}

type Clip struct {
	ID              string         `json:"id" yaml:"id"`
	AssetID         string         `json:"asset_id,omitempty" yaml:"asset_id"`
	StartMS         int            `json:"start_ms" yaml:"start_ms"`
	EndMS           int            `json:"end_ms" yaml:"end_ms"`
	OverlapMS       int            `json:"overlap_ms" yaml:"overlap_ms"`
	Speakers        []string       `json:"speakers" yaml:"speakers"`
	CaptionsVTTURL  string         `json:"captions_vtt_url,omitempty" yaml:"captions_vtt_url"`
	ContextPrevClip string         `json:"context_prev_clip,omitempty" yaml:"context_prev_clip"`
	ContextNextClip string         `json:"context_next_clip,omitempty" yaml:"context_next_clip"`
	Meta            map[string]any `json:"meta,omitempty" yaml:"meta"`
}

// MetaString returns a string-valued meta entry or "".
func (c Clip) MetaString(key string) string {
	return metaString(c.Meta, key)
}

type MediaAsset struct {
	ID   string         `json:"id" yaml:"id"`
	URI  string         `json:"uri" yaml:"uri"`
	Meta map[string]any `json:"meta,omitempty" yaml:"meta"`
}

type TaskPrice struct {
	TaskType        string  `json:"task_type" yaml:"task_type"`
	BaseCents       int     `json:"base_cents" yaml:"base_cents"`
	SurgeMultiplier float64 `json:"surge_multiplier" yaml:"surge_multiplier"`
}

type Assignment struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	ContributorID   string    `json:"contributor_id"`
	BundleID        string    `json:"bundle_id,omitempty"`
	State           string    `json:"state"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
	PlaybackRatio   *float64  `json:"playback_ratio,omitempty"`
	WatchedMS       *int      `json:"watched_ms,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Bundle struct {
	ID            string    `json:"id"`
	ContributorID string    `json:"contributor_id"`
	State         string    `json:"state"`
	TTLMinutes    int       `json:"ttl_minutes"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExpiresAt is the instant the bundle TTL lapses.
func (b Bundle) ExpiresAt() time.Time {
	return b.CreatedAt.Add(time.Duration(b.TTLMinutes) * time.Minute)
}

type TaskResponse struct {
	TaskID        string          `json:"task_id"`
	ContributorID string          `json:"contributor_id"`
	Payload       json.RawMessage `json:"payload"`
	DurationMS    int             `json:"duration_ms"`
	PlaybackRatio float64         `json:"playback_ratio"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Vote struct {
	ContributorID string          `json:"contributor_id"`
	Payload       json.RawMessage `json:"payload"`
	Weight        float64         `json:"weight"`
}

type ConsensusRecord struct {
	TaskID         string          `json:"task_id"`
	Consensus      json.RawMessage `json:"consensus"`
	Votes          []Vote          `json:"votes"`
	GreenCount     int             `json:"green_count"`
	AgreementScore float64         `json:"agreement_score"`
	FinalStatus    string          `json:"final_status"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type IdempotencyKey struct {
	ContributorID string    `json:"contributor_id"`
	Key           string    `json:"key"`
	CreatedAt     time.Time `json:"created_at"`
}

type Event struct {
	ID            int64     `json:"id"`
	TS            time.Time `json:"ts"`
	Type          string    `json:"type"`
	ContributorID string    `json:"contributor_id,omitempty"`
	Payload       string    `json:"payload"`
}

type APIKey struct {
	ID            string    `json:"id"`
	ContributorID string    `json:"contributor_id"`
	Name          string    `json:"name,omitempty"`
	KeyHash       string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
