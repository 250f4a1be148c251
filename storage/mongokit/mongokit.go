// Package mongokit implements the storage capability interfaces against
// MongoDB using go.mongodb.org/mongo-driver/v2, grounded on the
// FindOneAndUpdate-with-upsert idiom used by
// Chris-Alexander-Pop-go-hyperforge's document/mongodb adapter and the
// counter-document shape described in the krishna-kudari-go-ratelimit
// reference.
//
// MongoDB guarantees atomicity only within a single document, so every
// write here is a single FindOneAndUpdate using an aggregation pipeline
// update (supported since MongoDB 4.2) rather than a read-modify-write
// round trip: the rollover/increment arithmetic that the Redis backend
// expresses in Lua is expressed here as pipeline stages over one document.
package mongokit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/omd02/ratelimit/metrics"
	"github.com/omd02/ratelimit/storage"
)

// Store implements storage.Counter, storage.MovingWindow and
// storage.SlidingWindow against a MongoDB collection.
type Store struct {
	collection *mongo.Collection
	log        *zap.SugaredLogger
	recorder   *metrics.Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger; nil is treated as a no-op logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a Recorder; nil disables instrumentation.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// New wraps collection in a Store. Callers are expected to have already
// created a TTL index on "expiresAt" (Counter documents) so abandoned keys
// are reclaimed by the server even if the caller never calls Clear.
func New(collection *mongo.Collection, opts ...Option) *Store {
	s := &Store{collection: collection, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) observe(op string, start time.Time) {
	s.recorder.ObserveBackendCall("mongodb", op, time.Since(start))
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
}

// counterDoc backs the Counter capability.
type counterDoc struct {
	ID        string    `bson:"_id"`
	Value     int64     `bson:"value"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// Incr implements storage.Counter with a single atomic pipeline update.
func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	defer s.observe("incr", time.Now())
	now := time.Now()
	newExpiry := now.Add(expiry)

	expired := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{"$expiresAt", nil}}},
		bson.D{{Key: "$lte", Value: bson.A{"$expiresAt", now}}},
	}}}

	newValue := bson.D{{Key: "$cond", Value: bson.A{
		expired,
		amount,
		bson.D{{Key: "$add", Value: bson.A{"$value", amount}}},
	}}}

	var newExpiryExpr any
	if elastic {
		newExpiryExpr = newExpiry
	} else {
		newExpiryExpr = bson.D{{Key: "$cond", Value: bson.A{expired, newExpiry, "$expiresAt"}}}
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "value", Value: newValue},
			{Key: "expiresAt", Value: newExpiryExpr},
		}}},
	}

	var doc counterDoc
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.collection.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: key}}, pipeline, opts).Decode(&doc)
	if err != nil {
		return 0, wrap(err)
	}
	return doc.Value, nil
}

// Get implements storage.Counter.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	defer s.observe("get", time.Now())
	doc, ok, err := s.findCounter(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return doc.Value, nil
}

// GetExpiry implements storage.Counter.
func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	defer s.observe("get_expiry", time.Now())
	doc, ok, err := s.findCounter(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return doc.ExpiresAt, true, nil
}

func (s *Store) findCounter(ctx context.Context, key string) (counterDoc, bool, error) {
	var doc counterDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return counterDoc{}, false, nil
	}
	if err != nil {
		return counterDoc{}, false, wrap(err)
	}
	if time.Now().After(doc.ExpiresAt) {
		return counterDoc{}, false, nil
	}
	return doc, true, nil
}

// Clear implements storage.Counter / storage.MovingWindow /
// storage.SlidingWindow.
func (s *Store) Clear(ctx context.Context, key string) error {
	defer s.observe("delete", time.Now())
	_, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}})
	if err != nil {
		return wrap(err)
	}
	return nil
}

// logDoc backs the MovingWindow capability.
type logDoc struct {
	ID         string  `bson:"_id"`
	Timestamps []int64 `bson:"timestamps"`
	Acquired   bool    `bson:"acquired"`
}

// AcquireEntry implements storage.MovingWindow with a single atomic
// pipeline update: prune timestamps outside the window, then conditionally
// append now if the pruned count is still under the limit.
func (s *Store) AcquireEntry(ctx context.Context, key string, limitAmount int64, expiry time.Duration, now time.Time) (bool, time.Time, error) {
	defer s.observe("acquire_entry", time.Now())
	cutoff := now.Add(-expiry).UnixNano()
	nowNano := now.UnixNano()

	keptExpr := bson.D{{Key: "$filter", Value: bson.D{
		{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$timestamps", bson.A{}}}}},
		{Key: "cond", Value: bson.D{{Key: "$gt", Value: bson.A{"$$this", cutoff}}}},
	}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{{Key: "kept", Value: keptExpr}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "acquired", Value: bson.D{{Key: "$lt", Value: bson.A{
				bson.D{{Key: "$size", Value: "$kept"}}, limitAmount,
			}}}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "timestamps", Value: bson.D{{Key: "$cond", Value: bson.A{
				"$acquired",
				bson.D{{Key: "$concatArrays", Value: bson.A{"$kept", bson.A{nowNano}}}},
				"$kept",
			}}}},
		}}},
		bson.D{{Key: "$unset", Value: bson.A{"kept"}}},
	}

	var doc logDoc
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.collection.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: key}}, pipeline, opts).Decode(&doc)
	if err != nil {
		return false, now, wrap(err)
	}
	return doc.Acquired, oldestOf(doc.Timestamps, now), nil
}

// GetMovingWindow implements storage.MovingWindow as a read-only snapshot,
// pruning locally rather than through a write pipeline.
func (s *Store) GetMovingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (int64, time.Time, error) {
	defer s.observe("get_moving_window", time.Now())
	var doc logDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, now, nil
	}
	if err != nil {
		return 0, now, wrap(err)
	}
	cutoff := now.Add(-expiry).UnixNano()
	kept := make([]int64, 0, len(doc.Timestamps))
	for _, ts := range doc.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return int64(len(kept)), oldestOf(kept, now), nil
}

func oldestOf(timestamps []int64, fallback time.Time) time.Time {
	if len(timestamps) == 0 {
		return fallback
	}
	oldest := timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	return time.Unix(0, oldest)
}

// slidingDoc backs the SlidingWindow capability.
type slidingDoc struct {
	ID            string `bson:"_id"`
	PreviousStart int64  `bson:"ps"`
	PreviousCount int64  `bson:"pc"`
	CurrentStart  int64  `bson:"cs"`
	CurrentCount  int64  `bson:"cc"`
	Acquired      bool   `bson:"acquired"`
}

func rollSliding(rec *slidingDoc, currentStart, windowSeconds int64) {
	if rec.CurrentStart == currentStart {
		return
	}
	if rec.CurrentStart == currentStart-windowSeconds {
		rec.PreviousStart = rec.CurrentStart
		rec.PreviousCount = rec.CurrentCount
	} else {
		rec.PreviousStart = currentStart - windowSeconds
		rec.PreviousCount = 0
	}
	rec.CurrentStart = currentStart
	rec.CurrentCount = 0
}

// AcquireSlidingWindow implements storage.SlidingWindow. Because the
// document's currentStart always lands on the just-computed window bucket
// after rollover, the elapsed/weight arithmetic is resolved in Go and fed
// into the pipeline as constants rather than re-derived in aggregation
// expressions.
func (s *Store) AcquireSlidingWindow(ctx context.Context, key string, limitAmount int64, window time.Duration, now time.Time) (bool, int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("acquire_sliding_window", time.Now())
	windowSeconds := int64(window.Seconds())
	currentStart := (now.Unix() / windowSeconds) * windowSeconds
	elapsed := now.Unix() - currentStart
	weight := (float64(windowSeconds) - float64(elapsed)) / float64(windowSeconds)
	threshold := float64(limitAmount) - 1

	rolled := bson.D{{Key: "$let", Value: bson.D{
		{Key: "vars", Value: bson.D{
			{Key: "oldCs", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$cs", 0}}}},
			{Key: "oldCc", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$cc", 0}}}},
			{Key: "oldPs", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$ps", 0}}}},
			{Key: "oldPc", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$pc", 0}}}},
		}},
		{Key: "in", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$$oldCs", currentStart}}},
			bson.D{{Key: "ps", Value: "$$oldPs"}, {Key: "pc", Value: "$$oldPc"}, {Key: "cc", Value: "$$oldCc"}},
			bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$$oldCs", currentStart - windowSeconds}}},
				bson.D{{Key: "ps", Value: "$$oldCs"}, {Key: "pc", Value: "$$oldCc"}, {Key: "cc", Value: 0}},
				bson.D{{Key: "ps", Value: currentStart - windowSeconds}, {Key: "pc", Value: 0}, {Key: "cc", Value: 0}},
			}}},
		}}}},
	}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{{Key: "rolled", Value: rolled}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "ps", Value: "$rolled.ps"},
			{Key: "pc", Value: "$rolled.pc"},
			{Key: "cs", Value: currentStart},
			{Key: "acquired", Value: bson.D{{Key: "$lte", Value: bson.A{
				bson.D{{Key: "$add", Value: bson.A{
					bson.D{{Key: "$multiply", Value: bson.A{"$rolled.pc", weight}}},
					"$rolled.cc",
				}}},
				threshold,
			}}}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "cc", Value: bson.D{{Key: "$add", Value: bson.A{
				"$rolled.cc",
				bson.D{{Key: "$cond", Value: bson.A{"$acquired", 1, 0}}},
			}}}},
		}}},
		bson.D{{Key: "$unset", Value: bson.A{"rolled"}}},
	}

	var doc slidingDoc
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.collection.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: key}}, pipeline, opts).Decode(&doc)
	if err != nil {
		return false, 0, 0, 0, 0, wrap(err)
	}

	previousTTL := bucketTTL(doc.PreviousStart, windowSeconds, now)
	currentTTL := bucketTTL(doc.CurrentStart, windowSeconds, now)
	return doc.Acquired, doc.PreviousCount, previousTTL, doc.CurrentCount, currentTTL, nil
}

// GetSlidingWindow implements storage.SlidingWindow as a read-only
// snapshot, rolling over locally rather than through a write pipeline.
func (s *Store) GetSlidingWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Duration, int64, time.Duration, error) {
	defer s.observe("get_sliding_window", time.Now())
	windowSeconds := int64(window.Seconds())
	currentStart := (now.Unix() / windowSeconds) * windowSeconds

	var doc slidingDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, 0, wrap(err)
	}

	rollSliding(&doc, currentStart, windowSeconds)
	previousTTL := bucketTTL(doc.PreviousStart, windowSeconds, now)
	currentTTL := bucketTTL(doc.CurrentStart, windowSeconds, now)
	return doc.PreviousCount, previousTTL, doc.CurrentCount, currentTTL, nil
}

func bucketTTL(startEpoch, windowSeconds int64, now time.Time) time.Duration {
	expiry := time.Unix(startEpoch+2*windowSeconds, 0)
	if expiry.Before(now) {
		return 0
	}
	return expiry.Sub(now)
}

var (
	_ storage.Counter       = (*Store)(nil)
	_ storage.MovingWindow  = (*Store)(nil)
	_ storage.SlidingWindow = (*Store)(nil)
)
