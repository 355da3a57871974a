package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/opencontainers/go-digest"

	"github.com/quay/quay-sub006/registry/datastore/models"
)

const (
	// ReplicationQueueKey is the list committed blobs are pushed to for replication across storage locations.
	ReplicationQueueKey = "registry::queue::replication"
	// SecurityQueueKey is the list deleted manifests are pushed to so that the security scanner can drop its
	// reports.
	SecurityQueueKey = "registry::queue::secscan"
)

// ReplicationItem is a queued blob replication request.
type ReplicationItem struct {
	Namespace   string        `json:"namespace"`
	StorageUUID string        `json:"storage_uuid"`
	Digest      digest.Digest `json:"digest"`
	Locations   []string      `json:"locations,omitempty"`
}

// SecurityItem is a queued notification of a deleted manifest.
type SecurityItem struct {
	Namespace  string        `json:"namespace"`
	Repository string        `json:"repository"`
	Digest     digest.Digest `json:"digest"`
}

// Queue pushes background work items to redis lists. Consumers pop items from the head of each list.
type Queue struct {
	client redis.UniversalClient
}

// NewQueue creates a Queue on top of client.
func NewQueue(client redis.UniversalClient) *Queue {
	return &Queue{client: client}
}

func (q *Queue) push(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("redis rpush %q: %w", key, err)
	}
	return nil
}

// QueueReplication implements blobs.Replicator.
func (q *Queue) QueueReplication(ctx context.Context, namespace string, b *models.ImageStorage) error {
	return q.push(ctx, ReplicationQueueKey, ReplicationItem{
		Namespace:   namespace,
		StorageUUID: b.UUID,
		Digest:      b.ContentChecksum,
		Locations:   b.Locations,
	})
}

// ManifestDeleted implements gc.SecurityNotifier.
func (q *Queue) ManifestDeleted(ctx context.Context, repo *models.Repository, d digest.Digest) error {
	return q.push(ctx, SecurityQueueKey, SecurityItem{
		Namespace:  repo.NamespaceName,
		Repository: repo.Name,
		Digest:     d,
	})
}

// Len returns the number of items waiting on the list at key.
func (q *Queue) Len(ctx context.Context, key string) (int64, error) {
	n, err := q.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %q: %w", key, err)
	}
	return n, nil
}

// NextReplication pops the next blob queued for replication.
func (q *Queue) NextReplication(ctx context.Context) (digest.Digest, bool, error) {
	b, err := q.client.LPop(ctx, ReplicationQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis lpop %q: %w", ReplicationQueueKey, err)
	}

	var item ReplicationItem
	if err := json.Unmarshal(b, &item); err != nil {
		return "", false, fmt.Errorf("decoding replication item: %w", err)
	}
	return item.Digest, true, nil
}

// RequeueReplication queues a blob for replication again, at the tail of the queue.
func (q *Queue) RequeueReplication(ctx context.Context, d digest.Digest) error {
	return q.push(ctx, ReplicationQueueKey, ReplicationItem{Digest: d})
}

// ReplicationQueueSize returns the number of blobs waiting for replication.
func (q *Queue) ReplicationQueueSize(ctx context.Context) (int, error) {
	n, err := q.Len(ctx, ReplicationQueueKey)
	return int(n), err
}
