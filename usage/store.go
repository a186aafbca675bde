package usage

import "context"

// Store persists SessionUsage so a session's cap accounting survives a
// process restart. store/redis implements this against
// github.com/redis/go-redis/v9; callers that don't need durability simply
// never wire a Store and rely on the in-process Tracker alone.
type Store interface {
	Save(ctx context.Context, sessionID string, usage SessionUsage) error
	Load(ctx context.Context, sessionID string) (SessionUsage, bool, error)
}
