// Package store defines the keyed persistence primitive the attendance core
// runs on and the backends that implement it.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps transport failures: the backend could not be reached.
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrContention is returned when a transaction kept losing races past its retry budget.
	ErrContention = errors.New("store: transaction contention")
)

// TxFunc observes the value at commit time. It returns the value to write and
// true to commit, or false to abort without writing. exists is false when the
// key is empty. The function may run more than once and must be side-effect free.
type TxFunc func(current []byte, exists bool) (next []byte, commit bool)

// TxResult reports how a transaction ended.
type TxResult struct {
	Committed bool
	// Value is the value written on commit, or the value observed on abort.
	Value []byte
	// Exists reports whether Value was present on abort.
	Exists bool
}

// KV is a keyed store with point reads, unconditional writes and an atomic
// read-then-conditionally-write transaction on a single key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Transact(ctx context.Context, key string, fn TxFunc) (TxResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// maxTxAttempts bounds optimistic retries for backends that detect conflicts at commit.
const maxTxAttempts = 8

// Unavailable marks err as a transport failure unless it already is one.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return errors.Join(ErrUnavailable, err)
}
