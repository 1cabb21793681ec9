package external

import (
	"context"

	"bagbot/internal/types"
)

// IdentityStore reads and writes per-user identity metadata.
type IdentityStore interface {
	// GetMetadata returns the user's metadata. An identity without metadata
	// yields an empty map, which reads as the "null" onboarding sentinels.
	GetMetadata(ctx context.Context, userID string) (types.IdentityMetadata, error)

	// UpdateMetadata merges partial into the stored metadata and returns the
	// result.
	UpdateMetadata(ctx context.Context, userID string, partial types.IdentityMetadata) (types.IdentityMetadata, error)
}

// Inventory grants items and reads holdings. Grants are never retried.
type Inventory interface {
	GrantItem(ctx context.Context, userID, itemName string, quantity int) error
	// GrantItems issues every grant in one call. note is shown to the user
	// alongside the items.
	GrantItems(ctx context.Context, userID string, grants []types.ItemGrant, note string) error
	GetInventory(ctx context.Context, userID string) ([]types.InventoryItem, error)
}

// ItemSource lists the item catalog used to value inventories.
type ItemSource interface {
	ListItems(ctx context.Context) ([]types.CatalogItem, error)
}

// Messenger posts a chat message to a user or channel.
type Messenger interface {
	PostMessage(ctx context.Context, channel, text string) error
}

// Signup is one community signup waiting for onboarding.
type Signup struct {
	RecordID string
	SlackID  string
}

// SignupSource lists signups that have not been onboarded and marks them once
// onboarding has been triggered.
type SignupSource interface {
	ListPendingSignups(ctx context.Context) ([]Signup, error)
	MarkTriggered(ctx context.Context, recordID string) error
}

// BagClient is the full Bag capability set.
type BagClient interface {
	IdentityStore
	Inventory
	ItemSource
}
