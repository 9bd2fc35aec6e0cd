package push

import (
	"context"
	"encoding/json"
)

// Storage is the authoritative bookkeeping contract for tokens, queue
// ownership, message history, and the edge-node registry. Implementations
// must be safe for concurrent use; an append observed by NewMessage must be
// visible to a subsequent Messages call for the same queue.
//
// Message history is kept per owning token: a message posted to any queue a
// token owns surfaces in that token's history, tagged with the queue it was
// posted to. This is what makes the personal queue returned at token
// issuance a complete activity feed.
type Storage interface {
	// NewToken returns a freshly generated, globally unique token.
	NewToken(ctx context.Context) (Token, error)

	// NewQueue records ownership of queueID by (token, domain). Queues with
	// an empty domain are personal history queues and are excluded from the
	// Queues listing. Calling NewQueue again with the same id and the same
	// owner is a no-op; reusing an id for a different owner is a caller bug.
	NewQueue(ctx context.Context, queueID string, token Token, domain string) error

	UserOwnsQueue(ctx context.Context, token Token, queueID string) (bool, error)
	DomainOwnsQueue(ctx context.Context, domain, queueID string) (bool, error)

	// UserForQueue returns the owning token, or ErrNotFound.
	UserForQueue(ctx context.Context, queueID string) (Token, error)

	// Queues returns the domain -> queueID mapping for a token. A token that
	// owns nothing gets an empty map, never an error.
	Queues(ctx context.Context, token Token) (map[string]string, error)

	// DeleteQueue removes ownership. Returns ErrNotFound if queueID is
	// unknown, including when it was already deleted.
	DeleteQueue(ctx context.Context, queueID string) error

	// NewMessage appends a message with a fresh key and the current
	// timestamp to the owning token's history. Returns ErrNotFound if
	// queueID is unknown; a deleted queue must not be resurrected.
	NewMessage(ctx context.Context, queueID string, body json.RawMessage) (Message, error)

	// Messages returns the owning token's history in ascending
	// (timestamp, key) order. since filters to timestamps strictly greater;
	// pass since < 0 for the full history. An existing queue with no
	// messages yields an empty slice, an unknown queue ErrNotFound.
	Messages(ctx context.Context, queueID string, since int64) ([]Message, error)

	// AddEdgeNode registers an edge node or updates its load score.
	// Updating the load keeps the node's original registration order.
	AddEdgeNode(ctx context.Context, addr string, load int) error

	// EdgeNodes lists node addresses ascending by load, ties broken by
	// registration order.
	EdgeNodes(ctx context.Context) ([]string, error)
}
