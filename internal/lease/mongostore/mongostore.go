// Package mongostore implements lease.Store on MongoDB. Uniqueness comes
// from unique indexes on the lease and task names; crash cleanup comes from
// TTL indexes, with staleness enforced in every query because the TTL
// monitor only runs about once a minute.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"pkt.systems/chargeq/internal/lease"
)

const (
	defaultDatabase       = "chargeq"
	defaultConnectTimeout = 10 * time.Second
	createAttempts        = 3
)

// Config configures the MongoDB store.
type Config struct {
	// URI is a mongodb:// or mongodb+srv:// connection string.
	URI string
	// Database defaults to the URI path or "chargeq".
	Database string
	// CollectionPrefix is prepended to every collection name.
	CollectionPrefix string
	// Client reuses an existing connection; Close leaves it connected.
	Client         *mongo.Client
	ConnectTimeout time.Duration
	Options        lease.Options
}

// Store implements lease.Store backed by MongoDB.
type Store struct {
	opts       lease.Options
	client     *mongo.Client
	ownsClient bool
	leases     *mongo.Collection
	tasks      *mongo.Collection
	shutdowns  *mongo.Collection
}

var _ lease.Store = (*Store)(nil)

// New connects to MongoDB and ensures indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := cfg.Options.WithDefaults()
	client := cfg.Client
	owns := false
	if client == nil {
		if strings.TrimSpace(cfg.URI) == "" {
			return nil, errors.New("mongostore: uri required")
		}
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		client, err = mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("mongostore: connect: %w", err)
		}
		owns = true
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = databaseFromURI(cfg.URI)
	}
	db := client.Database(dbName)
	s := &Store{
		opts:       opts,
		client:     client,
		ownsClient: owns,
		leases:     db.Collection(cfg.CollectionPrefix + "leases"),
		tasks:      db.Collection(cfg.CollectionPrefix + "task_leases"),
		shutdowns:  db.Collection(cfg.CollectionPrefix + "shutdowns"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		if owns {
			_ = client.Disconnect(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	return s, nil
}

func databaseFromURI(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	i := strings.Index(rest, "/")
	if i < 0 {
		return defaultDatabase
	}
	name := rest[i+1:]
	if j := strings.IndexAny(name, "?#"); j >= 0 {
		name = name[:j]
	}
	if name == "" {
		return defaultDatabase
	}
	return name
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.leases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("name_unique"),
		},
		{
			Keys:    bson.D{{Key: "lastHeartbeat", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.opts.HardTTL / time.Second)).SetName("heartbeat_ttl"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: lease indexes: %w", classify(err))
	}
	_, err = s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "taskName", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("task_unique"),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("expires_ttl"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: task indexes: %w", classify(err))
	}
	_, err = s.shutdowns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(lease.ShutdownRetention / time.Second)).SetName("at_ttl"),
	})
	if err != nil {
		return fmt.Errorf("mongostore: shutdown indexes: %w", classify(err))
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return lease.NewTransientError(err)
	}
	return err
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now()
}

// TryCreate implements lease.Store.
func (s *Store) TryCreate(ctx context.Context, name string, kind lease.Kind, owner string) (lease.Acquisition, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return lease.Acquisition{}, err
	}
	var (
		acq    lease.Acquisition
		holder lease.Lease
	)
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := s.now()
		doc := lease.Lease{Name: name, Kind: kind, OwnerID: owner, CreatedAt: now, LastHeartbeat: now}
		_, err := s.leases.InsertOne(ctx, doc)
		if err == nil {
			acq.Lease = doc
			return acq, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return lease.Acquisition{}, fmt.Errorf("mongostore: insert lease: %w", classify(err))
		}
		err = s.leases.FindOne(ctx, bson.M{"name": name}).Decode(&holder)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return lease.Acquisition{}, fmt.Errorf("mongostore: load lease: %w", classify(err))
		}
		if holder.OwnerID == owner && holder.Kind == kind {
			res, err := s.leases.UpdateOne(ctx,
				bson.M{"name": name, "kind": kind, "ownerId": owner},
				bson.M{"$set": bson.M{"lastHeartbeat": now}})
			if err != nil {
				return lease.Acquisition{}, fmt.Errorf("mongostore: refresh lease: %w", classify(err))
			}
			if res.MatchedCount == 1 {
				holder.LastHeartbeat = now
				return lease.Acquisition{Lease: holder, Reentrant: true}, nil
			}
			continue
		}
		if !holder.Stale(now, s.opts.LeaseTimeout) {
			return lease.Acquisition{}, &lease.ConflictError{Holder: holder}
		}
		res, err := s.leases.DeleteOne(ctx, bson.M{
			"name":          name,
			"ownerId":       holder.OwnerID,
			"lastHeartbeat": holder.LastHeartbeat,
		})
		if err != nil {
			return lease.Acquisition{}, fmt.Errorf("mongostore: reclaim lease: %w", classify(err))
		}
		if res.DeletedCount == 1 {
			reclaimed := holder
			acq.Reclaimed = &reclaimed
		}
	}
	return lease.Acquisition{}, &lease.ConflictError{Holder: holder}
}

func activeFilter(f lease.Filter, cutoff time.Time) bson.M {
	q := bson.M{"lastHeartbeat": bson.M{"$gte": cutoff}}
	if f.Name != "" {
		q["name"] = f.Name
	}
	if f.Kind != "" {
		q["kind"] = f.Kind
	}
	switch {
	case f.OwnerID != "" && f.ExcludeOwner != "":
		q["ownerId"] = bson.M{"$eq": f.OwnerID, "$ne": f.ExcludeOwner}
	case f.OwnerID != "":
		q["ownerId"] = f.OwnerID
	case f.ExcludeOwner != "":
		q["ownerId"] = bson.M{"$ne": f.ExcludeOwner}
	}
	return q
}

// FindActive implements lease.Store.
func (s *Store) FindActive(ctx context.Context, filter lease.Filter) (*lease.Lease, error) {
	cutoff := s.now().Add(-s.opts.LeaseTimeout)
	var out lease.Lease
	err := s.leases.FindOne(ctx, activeFilter(filter, cutoff), options.FindOne().SetSort(bson.D{{Key: "name", Value: 1}})).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find active: %w", classify(err))
	}
	return &out, nil
}

// Renew implements lease.Store.
func (s *Store) Renew(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return false, err
	}
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"name": name, "kind": kind, "ownerId": owner},
		bson.M{"$set": bson.M{"lastHeartbeat": s.now()}})
	if err != nil {
		return false, fmt.Errorf("mongostore: renew: %w", classify(err))
	}
	return res.MatchedCount == 1, nil
}

// DeleteOwned implements lease.Store.
func (s *Store) DeleteOwned(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return false, err
	}
	res, err := s.leases.DeleteOne(ctx, bson.M{"name": name, "kind": kind, "ownerId": owner})
	if err != nil {
		return false, fmt.Errorf("mongostore: delete owned: %w", classify(err))
	}
	return res.DeletedCount == 1, nil
}

// DeleteStale implements lease.Store.
func (s *Store) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", lease.ErrInvalid)
	}
	res, err := s.leases.DeleteMany(ctx, bson.M{"lastHeartbeat": bson.M{"$lt": s.now().Add(-olderThan)}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete stale: %w", classify(err))
	}
	return int(res.DeletedCount), nil
}

// CreateTask implements lease.Store.
func (s *Store) CreateTask(ctx context.Context, task lease.TaskLease) error {
	if err := lease.ValidateTask(task); err != nil {
		return err
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		if _, err := s.tasks.DeleteOne(ctx, bson.M{"taskName": task.TaskName, "expiresAt": bson.M{"$lte": s.now()}}); err != nil {
			return fmt.Errorf("mongostore: drop expired task: %w", classify(err))
		}
		_, err := s.tasks.InsertOne(ctx, task)
		if err == nil {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("mongostore: insert task: %w", classify(err))
		}
		var holder lease.TaskLease
		err = s.tasks.FindOne(ctx, bson.M{"taskName": task.TaskName}).Decode(&holder)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mongostore: load task: %w", classify(err))
		}
		if holder.Expired(s.now()) {
			continue
		}
		return &lease.TaskLockedError{Holder: holder}
	}
	return lease.NewTransientError(fmt.Errorf("mongostore: task %s churned during create", task.TaskName))
}

// FindTask implements lease.Store.
func (s *Store) FindTask(ctx context.Context, name string) (*lease.TaskLease, error) {
	var out lease.TaskLease
	err := s.tasks.FindOne(ctx, bson.M{"taskName": name, "expiresAt": bson.M{"$gt": s.now()}}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find task: %w", classify(err))
	}
	return &out, nil
}

// DeleteTask implements lease.Store.
func (s *Store) DeleteTask(ctx context.Context, name, lockID string) (bool, error) {
	res, err := s.tasks.DeleteOne(ctx, bson.M{"taskName": name, "lockId": lockID})
	if err != nil {
		return false, fmt.Errorf("mongostore: delete task: %w", classify(err))
	}
	return res.DeletedCount == 1, nil
}

// DeleteTasks implements lease.Store.
func (s *Store) DeleteTasks(ctx context.Context, filter lease.TaskFilter) (int, error) {
	if filter.Empty() {
		return 0, fmt.Errorf("%w: empty task filter", lease.ErrInvalid)
	}
	q := bson.M{}
	if filter.TaskName != "" {
		q["taskName"] = filter.TaskName
	}
	if filter.OwnerID != "" {
		q["ownerId"] = filter.OwnerID
	}
	if !filter.CreatedBefore.IsZero() {
		q["createdAt"] = bson.M{"$lt": filter.CreatedBefore}
	}
	if !filter.ExpiredAt.IsZero() {
		q["expiresAt"] = bson.M{"$lte": filter.ExpiredAt}
	}
	res, err := s.tasks.DeleteMany(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete tasks: %w", classify(err))
	}
	return int(res.DeletedCount), nil
}

// List implements lease.Store.
func (s *Store) List(ctx context.Context) (lease.Snapshot, error) {
	var snap lease.Snapshot
	cur, err := s.leases.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return snap, fmt.Errorf("mongostore: list leases: %w", classify(err))
	}
	if err := cur.All(ctx, &snap.Leases); err != nil {
		return snap, fmt.Errorf("mongostore: decode leases: %w", classify(err))
	}
	cur, err = s.tasks.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "taskName", Value: 1}}))
	if err != nil {
		return snap, fmt.Errorf("mongostore: list tasks: %w", classify(err))
	}
	if err := cur.All(ctx, &snap.TaskLeases); err != nil {
		return snap, fmt.Errorf("mongostore: decode tasks: %w", classify(err))
	}
	return snap, nil
}

// RecordShutdown implements lease.Store.
func (s *Store) RecordShutdown(ctx context.Context, rec lease.ShutdownRecord) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	if _, err := s.shutdowns.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("mongostore: record shutdown: %w", classify(err))
	}
	return nil
}

// Ping implements lease.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongostore: ping: %w", classify(err))
	}
	return nil
}

// Close disconnects when the store opened the client itself.
func (s *Store) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Drop removes the store's collections. Tests use it for cleanup.
func (s *Store) Drop(ctx context.Context) error {
	return errors.Join(s.leases.Drop(ctx), s.tasks.Drop(ctx), s.shutdowns.Drop(ctx))
}
