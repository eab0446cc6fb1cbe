// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mongostore saves subscription states in a MongoDB collection so
// subscriptions can be transferred to a new session after a client restart.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/edgeo-scada/uasession"
)

// Defaults.
const (
	DefaultDatabase         = "uasession"
	DefaultCollection       = "subscriptions"
	DefaultOperationTimeout = 5 * time.Second
)

// ErrEmptyKey is returned for an empty store key.
var ErrEmptyKey = errors.New("mongostore: key is empty")

// document is one stored key.
type document struct {
	Key           string                        `bson:"key"`
	UpdatedAt     time.Time                     `bson:"updatedAt"`
	Subscriptions []uasession.SubscriptionState `bson:"subscriptions"`
}

// Store implements uasession.SubscriptionStore over a collection with one
// document per key.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     *slog.Logger
	owned      bool
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithOperationTimeout bounds every database call.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Connect dials uri and returns a store on database/collection. The
// client is disconnected by Close.
func Connect(ctx context.Context, uri, database, collection string, opts ...Option) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}
	clientOptions := options.Client().ApplyURI(uri).SetAppName("edgeo-uasession")
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s, err := New(ctx, client.Database(database).Collection(collection), opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	s.owned = true
	return s, nil
}

// New returns a store on an existing collection and makes sure the key
// index exists.
func New(ctx context.Context, coll *mongo.Collection, opts ...Option) (*Store, error) {
	s := &Store{
		collection: coll,
		timeout:    DefaultOperationTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	ictx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ictx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("subscriptions_key_unique"),
	})
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return s, nil
}

// SaveSubscriptions replaces the states stored under key.
func (s *Store) SaveSubscriptions(ctx context.Context, key string, states []uasession.SubscriptionState) error {
	if key == "" {
		return ErrEmptyKey
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	_, err := s.collection.ReplaceOne(ctx,
		bson.D{{Key: "key", Value: key}},
		document{Key: key, UpdatedAt: time.Now().UTC(), Subscriptions: states},
		options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflict: %w", err)
		}
		return fmt.Errorf("save subscriptions: %w", err)
	}
	s.logger.Debug("subscriptions saved",
		slog.String("key", key),
		slog.Int("subscriptions", len(states)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// LoadSubscriptions returns the states stored under key, none when the key
// is unknown.
func (s *Store) LoadSubscriptions(ctx context.Context, key string) ([]uasession.SubscriptionState, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc document
	err := s.collection.FindOne(ctx, bson.D{{Key: "key", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	return doc.Subscriptions, nil
}

// Close disconnects a client opened by Connect.
func (s *Store) Close(ctx context.Context) error {
	if !s.owned || s.client == nil {
		return nil
	}
	s.logger.Info("closing database connection")
	return s.client.Disconnect(ctx)
}

var _ uasession.SubscriptionStore = (*Store)(nil)
