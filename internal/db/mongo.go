package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PaginationParams holds pagination configuration
type PaginationParams struct {
	Page     int64  `json:"page"` // 1-based
	PageSize int64  `json:"pageSize"`
	SortBy   string `json:"sortBy"`
	SortDesc bool   `json:"sortDesc"`
}

// PaginatedResult holds paginated query results
type PaginatedResult[T any] struct {
	Data       []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int64 `json:"page"`
	PageSize   int64 `json:"pageSize"`
	TotalPages int64 `json:"totalPages"`
}

// Repository provides generic document operations over a MongoDB collection.
type Repository[T any] struct {
	collection *mongo.Collection
}

// NewRepository creates a new generic repository
func NewRepository[T any](db *mongo.Database, collectionName string) *Repository[T] {
	return &Repository[T]{
		collection: db.Collection(collectionName),
	}
}

func OpenConnection(uri string, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, err
	}

	return client.Database(database), nil
}

// Create inserts a new document
func (r *Repository[T]) Create(ctx context.Context, document T) (*mongo.InsertOneResult, error) {
	return r.collection.InsertOne(ctx, document)
}

// FindByID finds a document by its ObjectID
func (r *Repository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var result T
	err = r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindOne finds a single document matching the filter
func (r *Repository[T]) FindOne(ctx context.Context, filter bson.M) (*T, error) {
	var result T
	err := r.collection.FindOne(ctx, filter).Decode(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Upsert atomically resolves the document matching filter, inserting the
// fields of onInsert when no document exists yet. The write is a single
// compare-and-swap on the server: two concurrent callers with the same filter
// always observe the same document. Returns the post-image.
func (r *Repository[T]) Upsert(ctx context.Context, filter bson.M, onInsert bson.M) (*T, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result T
	err := r.collection.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": onInsert}, opts).Decode(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindOneAndSet applies a $set to the document matching filter and returns
// the post-image, or mongo.ErrNoDocuments when nothing matched.
func (r *Repository[T]) FindOneAndSet(ctx context.Context, filter bson.M, set bson.M, unset []string) (*T, error) {
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		u := bson.M{}
		for _, field := range unset {
			u[field] = ""
		}
		update["$unset"] = u
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var result T
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EnsureIndexes creates the collection's indexes. Safe to run on every
// startup; an already existing identical index is a no-op server-side.
func (r *Repository[T]) EnsureIndexes(ctx context.Context, models []mongo.IndexModel) error {
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Update updates a single document matching the filter
func (r *Repository[T]) Update(ctx context.Context, filter bson.M, update bson.M) (*mongo.UpdateResult, error) {
	return r.collection.UpdateOne(ctx, filter, bson.M{"$set": update})
}

// FindWithPagination finds documents with pagination support
func (r *Repository[T]) FindWithPagination(ctx context.Context, filter bson.M, params PaginationParams) (*PaginatedResult[T], error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 10
	}
	if params.PageSize > 100 {
		params.PageSize = 100 // Max limit
	}

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}

	skip := (params.Page - 1) * params.PageSize

	findOptions := options.Find()
	findOptions.SetSkip(skip)
	findOptions.SetLimit(params.PageSize)

	if params.SortBy != "" {
		sortOrder := 1
		if params.SortDesc {
			sortOrder = -1
		}
		findOptions.SetSort(bson.D{{Key: params.SortBy, Value: sortOrder}})
	}

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []T
	if err = cursor.All(ctx, &results); err != nil {
		return nil, err
	}

	totalPages := total / params.PageSize
	if total%params.PageSize > 0 {
		totalPages++
	}

	return &PaginatedResult[T]{
		Data:       results,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
		TotalPages: totalPages,
	}, nil
}
