package store

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Backend              string
	RedisAddr            string
	DatabaseURL          string
	FirestoreProject     string
	FirestoreCredentials string
}

// Open creates the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(opts.RedisAddr), nil
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL)
	case "firestore":
		return NewFirestore(ctx, opts.FirestoreProject, opts.FirestoreCredentials)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}
