package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"cupid/configs"
)

// MongoDirectory reads user profiles from the profile service's MongoDB.
// The core never writes here; profile management is someone else's system.
type MongoDirectory struct {
	client   *mongo.Client
	profiles *mongo.Collection

	// Profiles are treated as immutable snapshots during matching, so a
	// process-level cache is allowed.
	cache sync.Map // uint64 -> *Profile
}

// OpenMongoDirectory connects and pings the configured MongoDB deployment.
func OpenMongoDirectory(ctx context.Context) (*MongoDirectory, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(configs.MongoDBLink))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoDirectory{
		client:   client,
		profiles: client.Database(configs.MongoDBName).Collection(configs.MongoProfiles),
	}, nil
}

func (d *MongoDirectory) Lookup(ctx context.Context, pid uint64) (*Profile, error) {
	if v, ok := d.cache.Load(pid); ok {
		cp := *v.(*Profile)
		return &cp, nil
	}
	res := Profile{}
	err := d.profiles.FindOne(ctx, bson.D{{Key: "_id", Value: pid}}).Decode(&res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: profile lookup: %v", ErrTransient, err)
	}
	d.cache.Store(pid, &res)
	cp := res
	return &cp, nil
}

func (d *MongoDirectory) Snapshot(ctx context.Context, pids []uint64) (map[uint64]*Profile, error) {
	out := make(map[uint64]*Profile, len(pids))
	missing := make([]uint64, 0, len(pids))
	for _, pid := range pids {
		if v, ok := d.cache.Load(pid); ok {
			cp := *v.(*Profile)
			out[pid] = &cp
		} else {
			missing = append(missing, pid)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	cur, err := d.profiles.Find(ctx, bson.M{"_id": bson.M{"$in": missing}})
	if err != nil {
		return nil, fmt.Errorf("%w: profile snapshot: %v", ErrTransient, err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		p := Profile{}
		if err := cur.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: profile decode: %v", ErrTransient, err)
		}
		d.cache.Store(p.PID, &p)
		cp := p
		out[p.PID] = &cp
	}
	return out, cur.Err()
}

func (d *MongoDirectory) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
