// Package session defines the per-agent result cache. A session holds the
// recent result sets produced for one agent plus a detail map of the unified
// articles those sets reference, so follow-up operations (ranking, export,
// citation walks on "the last results") never refetch what the agent just
// saw.
//
// Sessions are private to one agent and bounded in both directions: a cap on
// retained result sets, a cap on cached articles, and an idle age after which
// the whole session is discarded.
package session

import (
	"context"
	"time"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/scherr"
)

type (
	// ResultSet records one answer delivered to the agent: the ordered
	// identifiers, what produced them, and when.
	ResultSet struct {
		// IDs is the ordered identifier list of the delivered articles.
		IDs []string
		// Query is the free-text query that produced the set, when one did.
		Query string
		// Pipeline names the pipeline that produced the set, when one did.
		Pipeline string
		// At is the delivery time.
		At time.Time
	}

	// Store is the session cache. Implementations are safe for concurrent
	// use; operations on one session are serialized, sessions do not block
	// each other. Writes create the session when it does not exist yet;
	// reads on an unknown or expired session return ErrNotFound.
	Store interface {
		// Touch creates or refreshes a session and returns its id, minting
		// a fresh one when id is empty.
		Touch(ctx context.Context, id string) (string, error)
		// AddResults appends a result set, evicting the oldest beyond the
		// retention cap.
		AddResults(ctx context.Context, id string, set ResultSet) error
		// Last returns the most recent result set.
		Last(ctx context.Context, id string) (ResultSet, error)
		// Results returns the retained result sets, oldest first.
		Results(ctx context.Context, id string) ([]ResultSet, error)
		// PutArticles caches article details keyed by their best identifier,
		// evicting the oldest beyond the cap.
		PutArticles(ctx context.Context, id string, arts []article.UnifiedArticle) error
		// Article returns one cached article by identifier.
		Article(ctx context.Context, id, articleID string) (article.UnifiedArticle, error)
		// Resolve expands the symbolic reference "last" into the most recent
		// result set's identifiers. Any other ref is already an identifier
		// and passes through as a single-element list.
		Resolve(ctx context.Context, id, ref string) ([]string, error)
		// Close releases the store's resources.
		Close() error
	}
)

// Ref value with symbolic meaning in Resolve.
const RefLast = "last"

// ErrNotFound reports an unknown or expired session, an empty result
// history, or an article absent from the detail cache.
var ErrNotFound = scherr.Newf(scherr.NotFound, "session: not found")

// Clone returns a deep copy of the result set.
func (r ResultSet) Clone() ResultSet {
	out := r
	out.IDs = append([]string(nil), r.IDs...)
	return out
}
