package store

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements KV on one collection. Keys contain '/', which is a
// path separator for document ids, so they are stored with '|' instead.
type Firestore struct {
	Client     *firestore.Client
	collection string
}

type firestoreEntry struct {
	Value     []byte    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestore connects to the project, using a credentials file when one is given.
func NewFirestore(ctx context.Context, projectID, credentialsFile string) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, Unavailable(err)
	}
	return &Firestore{Client: client, collection: "kv"}, nil
}

func (f *Firestore) doc(key string) *firestore.DocumentRef {
	return f.Client.Collection(f.collection).Doc(strings.ReplaceAll(key, "/", "|"))
}

func (f *Firestore) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := f.doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable(err)
	}
	var entry firestoreEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, err
	}
	return entry.Value, nil
}

func (f *Firestore) Set(ctx context.Context, key string, value []byte) error {
	_, err := f.doc(key).Set(ctx, firestoreEntry{Value: value, UpdatedAt: time.Now().UTC()})
	return Unavailable(err)
}

// Transact relies on RunTransaction, which reruns the function when the
// document changed between the read and the commit.
func (f *Firestore) Transact(ctx context.Context, key string, fn TxFunc) (TxResult, error) {
	ref := f.doc(key)
	var res TxResult
	err := f.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res = TxResult{}
		var cur []byte
		exists := true
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			exists = false
		} else if err != nil {
			return err
		} else {
			var entry firestoreEntry
			if err := snap.DataTo(&entry); err != nil {
				return err
			}
			cur = entry.Value
		}

		next, commit := fn(cur, exists)
		if !commit {
			res = TxResult{Value: cur, Exists: exists}
			return nil
		}
		if err := tx.Set(ref, firestoreEntry{Value: next, UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		res = TxResult{Committed: true, Value: next, Exists: true}
		return nil
	}, firestore.MaxAttempts(maxTxAttempts))
	if err != nil {
		if status.Code(err) == codes.Aborted {
			return TxResult{}, ErrContention
		}
		return TxResult{}, Unavailable(err)
	}
	return res, nil
}

func (f *Firestore) Ping(ctx context.Context) error {
	_, err := f.doc("_health").Get(ctx)
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return Unavailable(err)
}

func (f *Firestore) Close() error {
	if f == nil || f.Client == nil {
		return nil
	}
	return f.Client.Close()
}
