package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/pkg/logattr"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	// DefaultCollection is the collection used when none is configured
	DefaultCollection = "correlations"

	// DefaultPingTimeout bounds the ping that confirms the store is
	// reachable after a blocking Get ran out of time with an error
	DefaultPingTimeout = 2 * time.Second
)

type correlationBSON struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	Data      []byte    `bson:"data"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

type changeEventBSON struct {
	FullDocument *correlationBSON `bson:"fullDocument"`
}

// MongoCache stores correlation entries in a MongoDB collection.
// Blocking reads wait on a change stream, which requires a replica set.
type MongoCache struct {
	client      *mongo.Client
	coll        *mongo.Collection
	now         func() time.Time
	pingTimeout time.Duration
	logger      *slog.Logger
}

// MongoOption configures a MongoCache
type MongoOption func(*MongoCache)

// WithMongoClock replaces time.Now for expiry decisions
func WithMongoClock(now func() time.Time) MongoOption {
	return func(c *MongoCache) {
		c.now = now
	}
}

// WithPingTimeout bounds the reachability ping used to classify failed waits
func WithPingTimeout(timeout time.Duration) MongoOption {
	return func(c *MongoCache) {
		if timeout > 0 {
			c.pingTimeout = timeout
		}
	}
}

// WithMongoLogger sets the logger
func WithMongoLogger(logger *slog.Logger) MongoOption {
	return func(c *MongoCache) {
		c.logger = logger
	}
}

// NewMongoCache creates a MongoCache over dbName.collectionName
func NewMongoCache(client *mongo.Client, dbName, collectionName string, opts ...MongoOption) *MongoCache {
	if collectionName == "" {
		collectionName = DefaultCollection
	}

	c := &MongoCache{
		client:      client,
		coll:        client.Database(dbName).Collection(collectionName),
		now:         time.Now,
		pingTimeout: DefaultPingTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// EnsureIndexes creates the TTL index that lets the server evict expired entries
func (c *MongoCache) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expiresAt_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		return &StoreError{Op: "ensure indexes", Key: c.coll.Name(), Err: err}
	}
	return nil
}

// Put upserts env under key and resets its expiry
func (c *MongoCache) Put(ctx context.Context, key string, env *contracts.Envelope, ttl time.Duration) error {
	if key == "" {
		return &StoreError{Op: "put", Key: key, Err: ErrEmptyKey}
	}
	if env == nil {
		return &StoreError{Op: "put", Key: key, Err: ErrNilEnvelope}
	}
	if ttl <= 0 {
		return &StoreError{Op: "put", Key: key, Err: ErrInvalidTTL}
	}

	data, err := contracts.Marshal(env)
	if err != nil {
		return &StoreError{Op: "put", Key: key, Err: err}
	}

	doc := correlationBSON{
		ID:        key,
		Status:    string(env.Status),
		Data:      data,
		ExpiresAt: c.now().Add(ttl),
	}

	_, err = c.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return &StoreError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Get returns the live entry for key, waiting up to timeout for one to be written
func (c *MongoCache) Get(ctx context.Context, key string, timeout time.Duration) (*contracts.Envelope, bool, error) {
	if key == "" {
		return nil, false, &StoreError{Op: "get", Key: key, Err: ErrEmptyKey}
	}
	if timeout <= 0 {
		return c.find(ctx, key)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// watch before reading so a write landing between the two is not missed
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: key},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "replace", "update"}}}},
		}}},
	}
	stream, err := c.coll.Watch(waitCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return c.waitError(ctx, waitCtx, key, err)
	}
	defer stream.Close(context.Background())

	env, ok, err := c.find(waitCtx, key)
	if err != nil {
		return c.waitError(ctx, waitCtx, key, err)
	}
	if ok {
		return env, true, nil
	}

	for stream.Next(waitCtx) {
		var event changeEventBSON
		if err := stream.Decode(&event); err != nil {
			return nil, false, &StoreError{Op: "get", Key: key, Err: err}
		}
		if event.FullDocument == nil || !c.now().Before(event.FullDocument.ExpiresAt) {
			continue
		}
		env, err := decodeCorrelation(event.FullDocument)
		if err != nil {
			return nil, false, &StoreError{Op: "get", Key: key, Err: err}
		}
		return env, true, nil
	}

	return c.waitError(ctx, waitCtx, key, stream.Err())
}

// Delete removes key. Removing an absent key is not an error.
func (c *MongoCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return &StoreError{Op: "delete", Key: key, Err: ErrEmptyKey}
	}
	if _, err := c.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Ping checks that the primary is reachable
func (c *MongoCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

func (c *MongoCache) find(ctx context.Context, key string) (*contracts.Envelope, bool, error) {
	filter := bson.D{
		{Key: "_id", Value: key},
		// the TTL monitor runs about once a minute
		{Key: "expiresAt", Value: bson.D{{Key: "$gt", Value: c.now()}}},
	}

	var doc correlationBSON
	err := c.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StoreError{Op: "get", Key: key, Err: err}
	}

	env, err := decodeCorrelation(&doc)
	if err != nil {
		return nil, false, &StoreError{Op: "get", Key: key, Err: err}
	}
	return env, true, nil
}

// waitError classifies a failure during a blocking Get. The caller's context
// ending is returned as is. A wait that ran out cleanly means absent. A wait
// that ran out with a driver error is absent only if the store still answers
// a ping, since server selection against a dead store also fails with the
// wait deadline.
func (c *MongoCache) waitError(ctx, waitCtx context.Context, key string, err error) (*contracts.Envelope, bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}
	if err == nil {
		return nil, false, nil
	}
	if waitCtx.Err() != nil {
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.pingTimeout)
		defer cancel()
		pingErr := c.Ping(pingCtx)
		if pingErr == nil {
			return nil, false, nil
		}
		err = errors.Join(err, pingErr)
	}
	c.logger.Error("correlation wait failed", logattr.CorrelationID(key), logattr.Error(err))
	return nil, false, &StoreError{Op: "get", Key: key, Err: err}
}

func decodeCorrelation(doc *correlationBSON) (*contracts.Envelope, error) {
	return contracts.Unmarshal(doc.Data)
}
