package external

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"bagbot/internal/types"
)

// ---------------------------------------------------------------------------
// Stub implementations
//
// Stubs let the bot boot with APP_ENV=local without Bag, Slack or Airtable
// credentials. MemoryBag keeps real state in memory so a local workflow run
// behaves like production; the others log and return safe defaults.
// ---------------------------------------------------------------------------

// MemoryBag implements BagClient entirely in memory.
type MemoryBag struct {
	logger *slog.Logger

	mu        sync.Mutex
	metadata  map[string]types.IdentityMetadata
	inventory map[string]map[string]int
	catalog   []types.CatalogItem
	grants    []GrantRecord
}

// GrantRecord is one GrantItems call observed by MemoryBag.
type GrantRecord struct {
	UserID string
	Grants []types.ItemGrant
	Note   string
}

// NewMemoryBag creates an empty MemoryBag seeded with catalog.
func NewMemoryBag(logger *slog.Logger, catalog ...types.CatalogItem) *MemoryBag {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBag{
		logger:    logger,
		metadata:  make(map[string]types.IdentityMetadata),
		inventory: make(map[string]map[string]int),
		catalog:   catalog,
	}
}

func (b *MemoryBag) GetMetadata(ctx context.Context, userID string) (types.IdentityMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyMetadata(b.metadata[userID]), nil
}

func (b *MemoryBag) UpdateMetadata(ctx context.Context, userID string, partial types.IdentityMetadata) (types.IdentityMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := copyMetadata(b.metadata[userID])
	for k, v := range partial {
		merged[k] = v
	}
	b.metadata[userID] = merged

	b.logger.InfoContext(ctx, "stub: UpdateMetadata called", "user_id", userID)
	return copyMetadata(merged), nil
}

func (b *MemoryBag) GrantItem(ctx context.Context, userID, itemName string, quantity int) error {
	return b.GrantItems(ctx, userID, []types.ItemGrant{{Name: itemName, Quantity: quantity}}, "")
}

func (b *MemoryBag) GrantItems(ctx context.Context, userID string, grants []types.ItemGrant, note string) error {
	specs := mergeGrants(grants)
	if len(specs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.inventory[userID]
	if held == nil {
		held = make(map[string]int)
		b.inventory[userID] = held
	}
	record := GrantRecord{UserID: userID, Note: note}
	for _, s := range specs {
		held[s.ItemID] += s.Quantity
		record.Grants = append(record.Grants, types.ItemGrant{Name: s.ItemID, Quantity: s.Quantity})
	}
	b.grants = append(b.grants, record)

	b.logger.InfoContext(ctx, "stub: GrantItems called",
		"user_id", userID,
		"items", len(specs),
	)
	return nil
}

func (b *MemoryBag) GetInventory(ctx context.Context, userID string) ([]types.InventoryItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.inventory[userID]
	names := make([]string, 0, len(held))
	for name := range held {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]types.InventoryItem, 0, len(names))
	for _, name := range names {
		items = append(items, types.InventoryItem{
			ID:       userID + ":" + name,
			ItemID:   name,
			Name:     name,
			Quantity: held[name],
		})
	}
	return items, nil
}

func (b *MemoryBag) ListItems(ctx context.Context) ([]types.CatalogItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.CatalogItem(nil), b.catalog...), nil
}

// SetMetadata replaces a user's metadata.
func (b *MemoryBag) SetMetadata(userID string, meta types.IdentityMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metadata[userID] = copyMetadata(meta)
}

// SetHolding sets the quantity of one item held by a user.
func (b *MemoryBag) SetHolding(userID, itemName string, quantity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	held := b.inventory[userID]
	if held == nil {
		held = make(map[string]int)
		b.inventory[userID] = held
	}
	held[itemName] = quantity
}

// Holding returns the quantity of one item held by a user.
func (b *MemoryBag) Holding(userID, itemName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inventory[userID][itemName]
}

// Grants returns every grant call observed so far.
func (b *MemoryBag) Grants() []GrantRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]GrantRecord(nil), b.grants...)
}

func copyMetadata(meta types.IdentityMetadata) types.IdentityMetadata {
	out := make(types.IdentityMetadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// LogMessenger implements Messenger by logging the message.
type LogMessenger struct {
	logger *slog.Logger
}

// NewLogMessenger creates a new LogMessenger.
func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	return &LogMessenger{logger: logger}
}

func (m *LogMessenger) PostMessage(ctx context.Context, channel, text string) error {
	m.logger.InfoContext(ctx, "stub: PostMessage called",
		"channel", channel,
		"text", text,
	)
	return nil
}

// StubSignupSource implements SignupSource with no pending signups.
type StubSignupSource struct {
	logger *slog.Logger
}

// NewStubSignupSource creates a new StubSignupSource.
func NewStubSignupSource(logger *slog.Logger) *StubSignupSource {
	return &StubSignupSource{logger: logger}
}

func (s *StubSignupSource) ListPendingSignups(ctx context.Context) ([]Signup, error) {
	s.logger.DebugContext(ctx, "stub: ListPendingSignups called")
	return nil, nil
}

func (s *StubSignupSource) MarkTriggered(ctx context.Context, recordID string) error {
	s.logger.InfoContext(ctx, "stub: MarkTriggered called", "record_id", recordID)
	return nil
}

// Compile-time interface compliance checks.
var (
	_ BagClient    = (*MemoryBag)(nil)
	_ Messenger    = (*LogMessenger)(nil)
	_ SignupSource = (*StubSignupSource)(nil)
)
