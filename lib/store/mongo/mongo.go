// Package mongo implements the registry and the audit log for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/store"
)

const (
	database   = "topup"
	registryID = "registry"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// MongoWallet implements a store wallet record in MongoDB. Balances are kept as decimal strings.
type MongoWallet struct {
	Address    string `bson:"address"`
	Name       string `bson:"name,omitempty"`
	Balance    string `bson:"balance"`
	PrivateKey string `bson:"privateKey,omitempty"`
}

// MongoRegistry is the single document holding the whole set of tracked wallets.
type MongoRegistry struct {
	ID      string        `bson:"_id"`
	Wallets []MongoWallet `bson:"wallets"`
}

// MongoEntry implements a store audit entry in MongoDB.
type MongoEntry struct {
	Seq         int64     `bson:"seq"`
	ID          string    `bson:"id"`
	Timestamp   time.Time `bson:"timestamp"`
	Wallet      string    `bson:"wallet"`
	Amount      string    `bson:"amount"`
	Transaction string    `bson:"transaction"`
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// Load returns the tracked wallets. A missing registry document is an empty registry.
func (m *Mongo) Load(ctx context.Context) ([]store.WalletRecord, error) {
	var doc MongoRegistry

	err := m.c.Database(database).Collection("wallets").FindOne(ctx, bson.M{"_id": registryID}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return []store.WalletRecord{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("mongo: load registry: %w", err)
	}

	recs := make([]store.WalletRecord, 0, len(doc.Wallets))

	for _, w := range doc.Wallets {
		bal, err := parseDecimal(w.Balance)
		if err != nil {
			return nil, fmt.Errorf("mongo: wallet %s balance: %w", w.Address, err)
		}

		recs = append(recs, store.WalletRecord{Address: w.Address, Name: w.Name, Balance: bal, PrivateKey: w.PrivateKey})
	}

	return recs, nil
}

// Save replaces the registry document in a single write.
func (m *Mongo) Save(ctx context.Context, recs []store.WalletRecord) error {
	doc := MongoRegistry{ID: registryID, Wallets: make([]MongoWallet, len(recs))}

	for i, r := range recs {
		doc.Wallets[i] = MongoWallet{Address: r.Address, Name: r.Name, Balance: r.Balance.String(), PrivateKey: r.PrivateKey}
	}

	_, err := m.c.Database(database).Collection("wallets").ReplaceOne(ctx,
		bson.M{"_id": registryID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save registry: %w", err)
	}

	return nil
}

// Append inserts e in the topups collection. The sequence number keeps the append order.
func (m *Mongo) Append(ctx context.Context, e store.AuditEntry) error {
	col := m.c.Database(database).Collection("topups")

	n, err := col.CountDocuments(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("mongo: append: %w", err)
	}

	_, err = col.InsertOne(ctx, MongoEntry{
		Seq:         n,
		ID:          e.ID,
		Timestamp:   e.Timestamp,
		Wallet:      e.Wallet,
		Amount:      e.Amount.String(),
		Transaction: e.Transaction,
	})
	if err != nil {
		return fmt.Errorf("mongo: append: %w", err)
	}

	return nil
}

// Entries returns the audit entries in append order.
func (m *Mongo) Entries(ctx context.Context) ([]store.AuditEntry, error) {
	cur, err := m.c.Database(database).Collection("topups").Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: entries: %w", err)
	}
	defer cur.Close(ctx)

	es := []store.AuditEntry{}

	for cur.Next(ctx) {
		var me MongoEntry
		if err = cur.Decode(&me); err != nil {
			return nil, fmt.Errorf("mongo: decode entry: %w", err)
		}

		amount, err := parseDecimal(me.Amount)
		if err != nil {
			return nil, fmt.Errorf("mongo: entry %s amount: %w", me.Transaction, err)
		}

		es = append(es, store.AuditEntry{
			ID:          me.ID,
			Timestamp:   me.Timestamp,
			Wallet:      me.Wallet,
			Amount:      amount,
			Transaction: me.Transaction,
		})
	}

	return es, cur.Err()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}

	return decimal.NewFromString(s)
}
