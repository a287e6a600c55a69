package memory

import "context"

// ItemFilter narrows GetItems.
type ItemFilter struct {
	// Category, when non-empty, matches the item's category hint.
	Category string
	// ResourceID, when non-empty, matches the item's source resource.
	ResourceID string
	// IncludeStale includes superseded items. Default is non-stale only.
	IncludeStale bool
}

// Store is the layered storage backend. All operations are scoped to a
// user partition: writes for one user are never visible to queries for
// another. Implementations must support concurrent writers across users
// without interference, and concurrent writers within one user partition
// without losing either write.
//
// The contract is storage-engine agnostic: it needs only exact lookup by
// id, similarity lookup by vector, and scoped iteration by user and layer.
// Implementations: inmem (ephemeral brute-force), chromem (embedded
// vector database).
type Store interface {
	// PutResource appends an immutable raw resource.
	PutResource(ctx context.Context, r *Resource) error

	// GetResource returns a resource by id within the user partition.
	GetResource(ctx context.Context, userID, id string) (*Resource, error)

	// ListResources returns the user's resources in committed order.
	ListResources(ctx context.Context, userID string) ([]*Resource, error)

	// PutItem appends an extracted item. The item's ResourceID must name
	// an existing resource in the same partition. When Supersedes is set,
	// the referenced item is marked stale; no record is ever deleted.
	PutItem(ctx context.Context, it *Item) error

	// GetItem returns an item by id within the user partition.
	GetItem(ctx context.Context, userID, id string) (*Item, error)

	// GetItems returns the user's items in committed order, filtered.
	GetItems(ctx context.Context, userID string, f ItemFilter) ([]*Item, error)

	// UpsertCategory creates or replaces the category with the same
	// label in the user partition. Every referenced item must belong to
	// the same user.
	UpsertCategory(ctx context.Context, c *Category) error

	// GetCategory returns a category by label within the user partition.
	GetCategory(ctx context.Context, userID, label string) (*Category, error)

	// ListCategories returns the user's categories.
	ListCategories(ctx context.Context, userID string) ([]*Category, error)

	// SimilaritySearch returns up to topK records of the given layer,
	// highest similarity first, ties broken by most recent timestamp.
	// Stale items are not served.
	SimilaritySearch(ctx context.Context, userID string, embedding []float32, layer Layer, topK int) ([]SearchHit, error)

	// Close releases resources.
	Close() error
}
