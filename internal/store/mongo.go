// Package store provides document persistence for sync collections.
package store

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/caredock/caresync/internal/errors"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/syncutil"
	"github.com/caredock/caresync/internal/uuid"
)

// mongoCASAttempts bounds optimistic-concurrency retries on plain
// updates before giving up.
const mongoCASAttempts = 3

// Mongo stores documents in a MongoDB database, one Mongo collection
// per sync collection. Each stored document carries the client body as
// a nested subdocument plus top-level copies of the ordering and
// scoping fields, matching the sqlite layout.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	events  *Dispatcher
	indexed sync.Map // collection name -> struct{}
}

var _ Store = (*Mongo)(nil)

// OpenMongo connects to the given MongoDB deployment and verifies it
// is reachable. The dispatcher may be nil to disable change events.
func OpenMongo(ctx context.Context, uri, database string, events *Dispatcher) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to connect to mongodb", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, errors.Wrap(errors.ErrStore, "mongodb unreachable", err)
	}

	logging.Get().Info("mongo store opened", map[string]interface{}{
		"database": database,
	})
	return &Mongo{client: client, db: client.Database(database), events: events}, nil
}

// Close disconnects from the deployment.
func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}

// collection returns the Mongo collection, creating its indexes once
// per process.
func (m *Mongo) collection(ctx context.Context, name string) *mongo.Collection {
	coll := m.db.Collection(name)
	if _, done := m.indexed.LoadOrStore(name, struct{}{}); !done {
		_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "facility_id", Value: 1}, {Key: "updated_at", Value: 1}}},
		})
		if err != nil {
			logging.Get().Warn("failed to ensure indexes", map[string]interface{}{
				"collection": name,
				"error":      err.Error(),
			})
		}
	}
	return coll
}

// Get returns the document or ErrNotFound.
func (m *Mongo) Get(ctx context.Context, collection, id string) (models.Document, error) {
	var row bson.M
	err := m.collection(ctx, collection).FindOne(ctx, bson.M{"_id": id}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return nil, errors.Newf(errors.ErrNotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to read document", err)
	}
	return decodeMongo(row)
}

// Create inserts a new document, minting an id when none is given.
func (m *Mongo) Create(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	if collection == "" {
		return nil, errors.New(errors.ErrValidation, "collection is required")
	}
	if id == "" {
		id = uuid.New()
	}

	now := syncutil.Now()
	doc := stampDocument(data, id, now, now, 1)

	_, err := m.collection(ctx, collection).InsertOne(ctx, encodeMongo(doc))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.Newf(errors.ErrDuplicate, "document %s/%s already exists", collection, id)
		}
		return nil, errors.Wrap(errors.ErrStore, "failed to insert document", err)
	}

	m.emit(newEvent(ctx, collection, id, OpInsert, nil, doc))
	return doc, nil
}

// Update replaces the document body, bumping $updatedAt and $revision.
func (m *Mongo) Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	return m.update(ctx, collection, id, data, nil)
}

// UpdateWithRevision replaces the body only when the stored revision
// still matches expected.
func (m *Mongo) UpdateWithRevision(ctx context.Context, collection, id string, data models.Document, expected int64) (models.Document, error) {
	return m.update(ctx, collection, id, data, &expected)
}

// update performs a compare-and-swap on the revision field. Plain
// updates retry the swap a few times when a concurrent writer wins.
func (m *Mongo) update(ctx context.Context, collection, id string, data models.Document, expected *int64) (models.Document, error) {
	coll := m.collection(ctx, collection)

	for attempt := 0; attempt < mongoCASAttempts; attempt++ {
		before, err := m.Get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		revision := before.Revision()
		if expected != nil && revision != *expected {
			return nil, errors.Newf(errors.ErrRevisionMismatch,
				"document %s/%s is at revision %d, expected %d", collection, id, revision, *expected)
		}

		now := syncutil.Now()
		next := stampDocument(data, id, before.CreatedAt(), now, revision+1)

		res, err := coll.ReplaceOne(ctx, bson.M{"_id": id, "revision": revision}, encodeMongo(next))
		if err != nil {
			return nil, errors.Wrap(errors.ErrStore, "failed to update document", err)
		}
		if res.MatchedCount == 1 {
			m.emit(newEvent(ctx, collection, id, OpUpdate, before, next))
			return next, nil
		}

		// Revision moved between read and swap.
		if expected != nil {
			return nil, errors.Newf(errors.ErrRevisionMismatch,
				"document %s/%s changed under revision %d", collection, id, *expected)
		}
	}
	return nil, errors.Newf(errors.ErrStore, "document %s/%s kept changing during update", collection, id)
}

// Delete removes the document or returns ErrNotFound.
func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	var row bson.M
	err := m.collection(ctx, collection).FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return errors.Newf(errors.ErrNotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return errors.Wrap(errors.ErrStore, "failed to delete document", err)
	}

	before, err := decodeMongo(row)
	if err != nil {
		return err
	}
	m.emit(newEvent(ctx, collection, id, OpDelete, before, nil))
	return nil
}

// List returns a page of documents ordered by (updated_at, _id).
func (m *Mongo) List(ctx context.Context, collection string, q Query) (*Page, error) {
	filter, err := compileMongoFilter(q.Filters)
	if err != nil {
		return nil, err
	}

	if q.Cursor != "" {
		key, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		filter = bson.M{
			"$and": bson.A{
				filter,
				bson.M{"$or": bson.A{
					bson.M{"updated_at": bson.M{"$gt": key.UpdatedAt}},
					bson.M{"updated_at": key.UpdatedAt, "_id": bson.M{"$gt": key.ID}},
				}},
			},
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.collection(ctx, collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to list documents", err)
	}
	defer cursor.Close(ctx)

	var docs []models.Document
	for cursor.Next(ctx) {
		var row bson.M
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.Wrap(errors.ErrStore, "failed to decode document row", err)
		}
		doc, err := decodeMongo(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "failed to iterate documents", err)
	}

	return &Page{Documents: docs, NextCursor: pageCursor(docs, q.Limit)}, nil
}

// Count returns the number of documents matching the query's filters.
func (m *Mongo) Count(ctx context.Context, collection string, q Query) (int64, error) {
	filter, err := compileMongoFilter(q.Filters)
	if err != nil {
		return 0, err
	}
	count, err := m.collection(ctx, collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStore, "failed to count documents", err)
	}
	return count, nil
}

// compileMongoFilter translates store filters to a Mongo filter.
func compileMongoFilter(filters []Filter) (bson.M, error) {
	if err := checkFilters(filters); err != nil {
		return nil, err
	}

	filter := bson.M{}
	for _, f := range filters {
		field := mongoField(f.Field)
		switch f.Op {
		case OpEq:
			filter[field] = f.Value
		case OpGt:
			filter[field] = bson.M{"$gt": f.Value}
		case OpIn:
			filter[field] = bson.M{"$in": f.Values}
		}
	}
	return filter, nil
}

// mongoField maps a document field to its stored location. Reserved
// ordering fields live top-level; client fields nest under body.
func mongoField(field string) string {
	switch field {
	case models.FieldID:
		return "_id"
	case models.FieldCreatedAt:
		return "created_at"
	case models.FieldUpdatedAt:
		return "updated_at"
	case models.FieldFacility:
		return "facility_id"
	}
	return "body." + field
}

// encodeMongo converts a stamped document to its stored form.
func encodeMongo(doc models.Document) bson.M {
	body := bson.M{}
	for k, v := range doc {
		switch k {
		case models.FieldID, models.FieldCreatedAt, models.FieldUpdatedAt, models.FieldRevision:
			continue
		}
		body[k] = v
	}
	return bson.M{
		"_id":         doc.ID(),
		"facility_id": doc.FacilityID(),
		"created_at":  doc.CreatedAt(),
		"updated_at":  doc.UpdatedAt(),
		"revision":    doc.Revision(),
		"body":        body,
	}
}

// decodeMongo rebuilds the canonical document from its stored form.
func decodeMongo(row bson.M) (models.Document, error) {
	doc := models.Document{}
	rawBody, ok := row["body"]
	if !ok {
		return nil, errors.New(errors.ErrStore, "stored document has no body")
	}
	body, ok := normalizeBSON(rawBody).(map[string]interface{})
	if !ok {
		return nil, errors.New(errors.ErrStore, "stored document body is not an object")
	}
	for k, v := range body {
		doc[k] = v
	}

	id, _ := row["_id"].(string)
	createdAt, _ := row["created_at"].(string)
	updatedAt, _ := row["updated_at"].(string)
	doc[models.FieldID] = id
	doc[models.FieldCreatedAt] = createdAt
	doc[models.FieldUpdatedAt] = updatedAt
	doc[models.FieldRevision] = normalizeBSON(row["revision"])
	return doc, nil
}

// normalizeBSON flattens driver-specific container types into plain
// maps and slices so documents look the same from both drivers.
func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = normalizeBSON(e)
		}
		return m
	case bson.A:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = normalizeBSON(e)
		}
		return s
	case int32:
		return int64(t)
	default:
		return v
	}
}

func (m *Mongo) emit(event ChangeEvent) {
	if m.events != nil {
		m.events.Emit(event)
	}
}
