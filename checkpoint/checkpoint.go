// Package checkpoint provides stores for consumer offsets.
//
// Partitioned transports commit their position to the broker. A Store keeps a
// second copy outside the broker, so a consumer group whose committed offsets
// were lost or reset can resume from where it last checkpointed.
//
// Available implementations:
//   - MemoryStore: process-local, for tests
//   - RedisStore: one Redis hash per store
//   - MongoStore: one document per partition
//
// Usage with the Kafka transport:
//
//	store := checkpoint.NewRedisStore(redisClient, "orders:offsets")
//	t, err := kafka.New(client, kafka.WithCheckpointStore(store))
package checkpoint

import (
	"context"
	"strconv"
)

// Key identifies the position of one consumer group on one partition.
type Key struct {
	Entity    string
	Group     string
	Partition int32
}

// String renders the key as group/entity/partition.
func (k Key) String() string {
	return k.Group + "/" + k.Entity + "/" + strconv.FormatInt(int64(k.Partition), 10)
}

// Store persists consumer offsets.
type Store interface {
	// Save records offset as the last processed offset for key.
	Save(ctx context.Context, key Key, offset int64) error

	// Load returns the last saved offset. ok is false when none was saved.
	Load(ctx context.Context, key Key) (offset int64, ok bool, err error)

	// Delete removes the offset of key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error
}
