// Package redisstream relays committed change notifications of the document store
// into a Redis Stream so processes outside installcore can follow them.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"installcore/pkg/domain"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "installcore:changes"

// DefaultMaxLen caps the stream length (approximate trimming).
const DefaultMaxLen = 10000

// Message field names.
const (
	FieldEntity = "entity"
	FieldSeq    = "seq"
	FieldAt     = "at"
)

// Options configures a Relay.
type Options struct {
	Stream string
	MaxLen int64
	// Entities defaults to every collection.
	Entities []domain.EntityType
	Logger   *zap.Logger
	Now      func() time.Time
}

// Relay forwards store notifications to a Redis Stream, one message per notification.
type Relay struct {
	store    domain.PersistentStore
	client   *redis.Client
	stream   string
	maxLen   int64
	entities []domain.EntityType
	logger   *zap.Logger
	now      func() time.Time
}

// AllEntities lists every collection of the store.
var AllEntities = []domain.EntityType{
	domain.EntityDevice,
	domain.EntityLocation,
	domain.EntityTeam,
	domain.EntityTeamMember,
	domain.EntityMembership,
	domain.EntityInstallation,
	domain.EntityServerData,
}

// New constructs a relay.
func New(store domain.PersistentStore, client *redis.Client, opts Options) *Relay {
	r := &Relay{
		store:    store,
		client:   client,
		stream:   opts.Stream,
		maxLen:   opts.MaxLen,
		entities: opts.Entities,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if r.stream == "" {
		r.stream = DefaultStream
	}
	if r.maxLen <= 0 {
		r.maxLen = DefaultMaxLen
	}
	if len(r.entities) == 0 {
		r.entities = AllEntities
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("redisstream")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Stream returns the stream key.
func (r *Relay) Stream() string { return r.stream }

// Run relays notifications until ctx is cancelled. Publish failures are logged and
// the notification is dropped; consumers resynchronise from the store.
func (r *Relay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, entity := range r.entities {
		watch := r.store.Watch(entity)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer watch.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-watch.C():
					if !ok {
						r.logger.Warn("change feed closed", zap.String("entity", string(entity)))
						return
					}
					if _, err := r.Publish(ctx, n); err != nil && ctx.Err() == nil {
						r.logger.Error("relay publish failed",
							zap.String("entity", string(n.Entity)),
							zap.Uint64("seq", n.Seq),
							zap.Error(err))
					}
				}
			}
		}()
	}
	r.logger.Info("relay started", zap.String("stream", r.stream), zap.Int("collections", len(r.entities)))
	wg.Wait()
	return nil
}

// Publish appends one notification to the stream and returns the message id.
func (r *Relay) Publish(ctx context.Context, n domain.Notification) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			FieldEntity: string(n.Entity),
			FieldSeq:    strconv.FormatUint(n.Seq, 10),
			FieldAt:     r.now().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return id, nil
}

// Decode parses a stream message back into a notification.
func Decode(msg redis.XMessage) (domain.Notification, error) {
	entity, _ := msg.Values[FieldEntity].(string)
	if entity == "" {
		return domain.Notification{}, fmt.Errorf("message %s: missing %s", msg.ID, FieldEntity)
	}
	raw, _ := msg.Values[FieldSeq].(string)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("message %s: bad %s: %w", msg.ID, FieldSeq, err)
	}
	return domain.Notification{Entity: domain.EntityType(entity), Seq: seq}, nil
}
