package types

import (
	"encoding/json"
	"time"
)

// OnboardingStatus is the lifecycle stage stored in a user's identity metadata.
// Transitions are monotonic: none -> started -> completed.
type OnboardingStatus string

const (
	OnboardingNone      OnboardingStatus = "null"
	OnboardingStarted   OnboardingStatus = "started"
	OnboardingCompleted OnboardingStatus = "completed"
)

// Reserved step names.
const (
	// StepIntroduction is the entry step every workflow must define.
	StepIntroduction = "introduction"
	// StepCompleted is the terminal sentinel used in `next` references.
	StepCompleted = "completed"
	// StepNone marks a user with no recorded step.
	StepNone = "null"
)

// Metadata keys written to the identity store.
const (
	MetaKeyOnboarding     = "onboarding"
	MetaKeyOnboardingStep = "onboardingStep"
)

// IdentityMetadata is the free-form metadata document attached to a Bag
// identity. Only the onboarding keys are interpreted by this service.
type IdentityMetadata map[string]any

// OnboardingState is the typed view of the onboarding keys in IdentityMetadata.
type OnboardingState struct {
	Status OnboardingStatus `json:"onboarding"`
	Step   string           `json:"onboardingStep"`
}

// OnboardingStateFrom extracts the onboarding keys, mapping missing, empty or
// JSON-null values to the "null" sentinels.
func OnboardingStateFrom(meta IdentityMetadata) OnboardingState {
	state := OnboardingState{Status: OnboardingNone, Step: StepNone}
	if s, ok := meta[MetaKeyOnboarding].(string); ok && s != "" {
		state.Status = OnboardingStatus(s)
	}
	if s, ok := meta[MetaKeyOnboardingStep].(string); ok && s != "" {
		state.Step = s
	}
	return state
}

// Metadata renders the state as a partial metadata update.
func (s OnboardingState) Metadata() IdentityMetadata {
	return IdentityMetadata{
		MetaKeyOnboarding:     string(s.Status),
		MetaKeyOnboardingStep: s.Step,
	}
}

// Started reports whether onboarding has begun (or finished).
func (s OnboardingState) Started() bool {
	return s.Status == OnboardingStarted || s.Status == OnboardingCompleted
}

// Completed reports whether onboarding reached the terminal state.
func (s OnboardingState) Completed() bool {
	return s.Status == OnboardingCompleted
}

// ItemGrant is one entry of a step's give list.
type ItemGrant struct {
	Name     string `json:"name" yaml:"name"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

// InventoryItem is one stack of items held by an identity.
type InventoryItem struct {
	ID       string          `json:"id"`
	ItemID   string          `json:"itemId"`
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CatalogItem is an item definition from the inventory service.
type CatalogItem struct {
	Name     string  `json:"name"`
	Value    float64 `json:"intendedValueGp"`
	Tradable bool    `json:"tradable"`
}

// JobRecord is the persisted form of a pending scheduler job.
type JobRecord struct {
	Date   time.Time `json:"date"`
	UserID string    `json:"userID"`
}
