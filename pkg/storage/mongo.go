package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Backend on top of a MongoDB database. Collections are shared
// between tenants and every query is scoped by TenantField.
type MongoStore struct {
	db      *mongo.Database
	timeout time.Duration
}

// ConnectMongo dials uri and returns a store over the named database.
func ConnectMongo(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetTimeout(timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return NewMongoStore(client.Database(database), timeout), client, nil
}

// NewMongoStore wraps an existing database handle.
func NewMongoStore(db *mongo.Database, timeout time.Duration) *MongoStore {
	return &MongoStore{db: db, timeout: timeout}
}

// EnsureIndexes creates the indexes the engine's queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[Collection][]mongo.IndexModel{
		CollectionLogs: {
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "host", Value: 1}}},
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "user", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "event_type", Value: 1}}},
		},
		CollectionAlerts: {
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "host", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "alert_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionEndpoints: {
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "host", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionTelemetry: {
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "hostname", Value: 1}, {Key: "ingested_at", Value: -1}}},
			{Keys: bson.D{{Key: "telemetry_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollectionModels: {
			{Keys: bson.D{{Key: TenantField, Value: 1}, {Key: "model_type", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for coll, models := range indexes {
		if _, err := s.db.Collection(string(coll)).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) Insert(ctx context.Context, tenantID string, coll Collection, doc Document) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stored := make(bson.M, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	stored[TenantField] = tenantID

	if _, err := s.db.Collection(string(coll)).InsertOne(ctx, stored); err != nil {
		return fmt.Errorf("insert into %s: %w", coll, err)
	}
	return nil
}

func (s *MongoStore) Upsert(ctx context.Context, tenantID string, coll Collection, filter Filter, set Document) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.D{{Key: "$set", Value: bson.M(set)}}
	_, err := s.db.Collection(string(coll)).UpdateOne(ctx, scopedFilter(tenantID, filter), update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", coll, err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, tenantID string, coll Collection, filter Filter, m Mutation) (bool, error) {
	if tenantID == "" {
		return false, ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.D{}
	if len(m.Set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: bson.M(m.Set)})
	}
	if len(m.Push) > 0 {
		update = append(update, bson.E{Key: "$push", Value: bson.M(m.Push)})
	}
	if len(update) == 0 {
		return false, nil
	}

	res, err := s.db.Collection(string(coll)).UpdateOne(ctx, scopedFilter(tenantID, filter), update)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", coll, err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) Count(ctx context.Context, tenantID string, coll Collection, filter Filter) (int64, error) {
	if tenantID == "" {
		return 0, ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(string(coll)).CountDocuments(ctx, scopedFilter(tenantID, filter))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

func (s *MongoStore) Find(ctx context.Context, tenantID string, coll Collection, filter Filter, opts FindOptions) ([]Document, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find()
	if opts.SortField != "" {
		dir := 1
		if opts.SortDesc {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: opts.SortField, Value: dir}})
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := s.db.Collection(string(coll)).Find(ctx, scopedFilter(tenantID, filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll, err)
	}

	docs := make([]Document, 0, len(raw))
	for _, m := range raw {
		delete(m, "_id")
		docs = append(docs, Document(normalize(m).(map[string]interface{})))
	}
	return docs, nil
}

func (s *MongoStore) Distinct(ctx context.Context, tenantID string, coll Collection, field string, filter Filter) ([]interface{}, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.db.Collection(string(coll)).Distinct(ctx, field, scopedFilter(tenantID, filter))
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", coll, field, err)
	}
	for i, v := range values {
		values[i] = normalize(v)
	}
	return values, nil
}

func (s *MongoStore) Tenants(ctx context.Context, coll Collection) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.db.Collection(string(coll)).Distinct(ctx, TenantField, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("distinct tenants in %s: %w", coll, err)
	}
	tenants := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			tenants = append(tenants, id)
		}
	}
	return tenants, nil
}

type modelDocument struct {
	TenantID  string    `bson:"tenant_id"`
	ModelType string    `bson:"model_type"`
	Estimator []byte    `bson:"estimator"`
	Scaler    []byte    `bson:"scaler"`
	TrainedAt time.Time `bson:"trained_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *MongoStore) SaveModel(ctx context.Context, tenantID, modelType string, blobs ModelBlobs) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: TenantField, Value: tenantID}, {Key: "model_type", Value: modelType}}
	update := bson.D{{Key: "$set", Value: bson.M{
		"estimator":  blobs.Estimator,
		"scaler":     blobs.Scaler,
		"trained_at": blobs.TrainedAt,
		"updated_at": time.Now().UTC(),
	}}}
	if _, err := s.db.Collection(string(CollectionModels)).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("save model %s/%s: %w", tenantID, modelType, err)
	}
	return nil
}

func (s *MongoStore) LoadModel(ctx context.Context, tenantID, modelType string) (ModelBlobs, bool, error) {
	if tenantID == "" {
		return ModelBlobs{}, false, ErrEmptyTenant
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: TenantField, Value: tenantID}, {Key: "model_type", Value: modelType}}
	var doc modelDocument
	err := s.db.Collection(string(CollectionModels)).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ModelBlobs{}, false, nil
	}
	if err != nil {
		return ModelBlobs{}, false, fmt.Errorf("load model %s/%s: %w", tenantID, modelType, err)
	}
	return ModelBlobs{Estimator: doc.Estimator, Scaler: doc.Scaler, TrainedAt: doc.TrainedAt.UTC()}, true, nil
}

func scopedFilter(tenantID string, filter Filter) bson.D {
	scoped := bson.D{{Key: TenantField, Value: tenantID}}
	if len(filter) == 0 {
		return scoped
	}
	clauses := make(bson.A, 0, len(filter))
	for _, cond := range filter {
		clauses = append(clauses, bson.D{{Key: cond.Field, Value: operand(cond)}})
	}
	return append(scoped, bson.E{Key: "$and", Value: clauses})
}

func operand(cond Condition) interface{} {
	switch cond.Op {
	case OpNe:
		return bson.M{"$ne": cond.Value}
	case OpGte:
		return bson.M{"$gte": cond.Value}
	case OpIn:
		return bson.M{"$in": cond.Value}
	default:
		return cond.Value
	}
}

// normalize converts driver-specific decoded values into the plain Go types
// the rest of the engine works with.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.D:
		out := make(map[string]interface{}, len(val))
		for _, e := range val {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case primitive.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case primitive.Binary:
		return val.Data
	}
	return v
}
