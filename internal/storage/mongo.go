package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/xerrors"
)

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// MongoMetadataStore upserts modification fields onto the file's metadata
// document, keyed by document id.
type MongoMetadataStore struct {
	client *mongo.Client
	files  *mongo.Collection
}

func NewMongoMetadataStore(ctx context.Context, cfg MongoConfig) (*MongoMetadataStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, xerrors.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, xerrors.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoMetadataStore{
		client: client,
		files:  client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (s *MongoMetadataStore) Update(ctx context.Context, documentID string, m Modification) error {
	filter := bson.D{{Key: "_id", Value: documentID}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "lastModifiedBy", Value: m.LastModifiedBy},
		{Key: "lastModifiedAt", Value: m.LastModifiedAt},
	}}}
	opts := options.Update().SetUpsert(true)

	if _, err := s.files.UpdateOne(ctx, filter, update, opts); err != nil {
		return xerrors.Errorf("failed to update metadata for %s: %w", documentID, err)
	}
	return nil
}

func (s *MongoMetadataStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ MetadataStore = (*MongoMetadataStore)(nil)
