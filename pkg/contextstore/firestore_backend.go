package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend stores documents in Cloud Firestore. Each context document
// is one Firestore document written with a single Set call.
//
// Collections:
//   - <prefix>contexts: document id "<owner>__<type>"
//   - <prefix>shared: document id is the envelope id, with an expires_at
//     field usable as a native Firestore TTL policy
type FirestoreBackend struct {
	client   *firestore.Client
	contexts *firestore.CollectionRef
	shared   *firestore.CollectionRef
}

var _ Backend = (*FirestoreBackend)(nil)

// FirestoreConfig contains configuration for the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	// Prefix is prepended to collection names (default: "conductor_").
	Prefix string
}

// NewFirestoreBackend creates a Firestore client. Without a credentials file,
// Application Default Credentials are used; FIRESTORE_EMULATOR_HOST is honored
// by the client library.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreBackendFromClient(client, cfg.Prefix), nil
}

// NewFirestoreBackendFromClient wraps an existing client.
func NewFirestoreBackendFromClient(client *firestore.Client, prefix string) *FirestoreBackend {
	if prefix == "" {
		prefix = "conductor_"
	}
	return &FirestoreBackend{
		client:   client,
		contexts: client.Collection(prefix + "contexts"),
		shared:   client.Collection(prefix + "shared"),
	}
}

func documentID(key Key) string {
	return key.Owner + "__" + key.Type
}

func (f *FirestoreBackend) Write(ctx context.Context, key Key, data []byte) error {
	_, err := f.contexts.Doc(documentID(key)).Set(ctx, map[string]any{
		"owner":      key.Owner,
		"doc_type":   key.Type,
		"data":       data,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	return nil
}

func (f *FirestoreBackend) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	return readBytes(ctx, f.contexts.Doc(documentID(key)))
}

func (f *FirestoreBackend) WriteShared(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"data":       data,
		"created_at": now,
	}
	if ttl > 0 {
		fields["expires_at"] = now.Add(ttl)
	}
	if _, err := f.shared.Doc(id).Create(ctx, fields); err != nil {
		return fmt.Errorf("create envelope: %w", err)
	}
	return nil
}

func (f *FirestoreBackend) ReadShared(ctx context.Context, id string) ([]byte, bool, error) {
	return readBytes(ctx, f.shared.Doc(id))
}

func readBytes(ctx context.Context, ref *firestore.DocumentRef) ([]byte, bool, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get document %s: %w", ref.ID, err)
	}

	raw, err := snap.DataAt("data")
	if err != nil {
		return nil, false, fmt.Errorf("read data field of %s: %w", ref.ID, err)
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("data field of %s has type %T", ref.ID, raw)
	}
	return data, true, nil
}

// Close closes the Firestore client.
func (f *FirestoreBackend) Close() error {
	return f.client.Close()
}
