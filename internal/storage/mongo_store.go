package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/config"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/utils"
)

const (
	UserCollectionName       = "users"
	GroupCollectionName      = "groups"
	MembershipCollectionName = "memberships"
	CounterCollectionName    = "counters"
)

type userDocument struct {
	ID       string `bson:"_id"`
	Username string `bson:"username"`
	Verifier string `bson:"verifier"`
}

type groupDocument struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

type membershipDocument struct {
	ID      string `bson:"_id"`
	UserID  string `bson:"user_id"`
	GroupID string `bson:"group_id"`
}

type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
	groupCache       *expirable.LRU[string, *Group]
}

// MongoURI builds the connection string with escaped credentials.
func MongoURI(c config.MongoConfig) string {
	if c.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", c.Host, c.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port)
}

func NewMongoStore(ctx context.Context, c config.MongoConfig, appName string, cacheSize int, cacheTTL time.Duration) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(MongoURI(c)).SetAppName(appName)
	clientOptions.SetMinPoolSize(c.MinPoolSize)
	clientOptions.SetMaxPoolSize(c.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.DurationOr(c.ConnectIdleTimeout, 5*time.Minute))
	clientOptions.SetConnectTimeout(utils.DurationOr(c.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.DurationOr(c.SocketTimeout, 30*time.Second))
	clientOptions.SetHeartbeatInterval(utils.DurationOr(c.Heartbeat, 10*time.Second))
	if c.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	if cacheSize <= 0 {
		cacheSize = 1024
	}
	ms := &MongoStore{
		client:           client,
		db:               client.Database(c.Database),
		operationTimeout: utils.DurationOr(c.OperationTimeout, 5*time.Second),
		groupCache:       expirable.NewLRU[string, *Group](cacheSize, nil, cacheTTL),
	}
	if err := ms.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}
	return ms, nil
}

func (ms *MongoStore) createIndexes(ctx context.Context) error {
	_, err := ms.db.Collection(UserCollectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_username_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	_, err = ms.db.Collection(MembershipCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "group_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("memberships_user_group_unique"),
		},
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}},
			Options: options.Index().SetName("memberships_group"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}

func (ms *MongoStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ms.operationTimeout)
}

func translateError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	default:
		return fmt.Errorf("database operation failed on %s: %w", what, err)
	}
}

// nextID hands out sequential ids per collection so the first group is "1".
func (ms *MongoStore) nextID(ctx context.Context, name string) (string, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var counter counterDocument
	err := ms.db.Collection(CounterCollectionName).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: 1}}}},
		opts,
	).Decode(&counter)
	if err != nil {
		return "", translateError(err, "counter "+name)
	}
	return strconv.FormatInt(counter.Seq, 10), nil
}

func (ms *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	var doc userDocument
	startTime := time.Now()
	err := ms.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	logger.DebugF("user query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, translateError(err, "user "+id)
	}
	return &User{ID: doc.ID, Username: doc.Username, Verifier: doc.Verifier}, nil
}

func (ms *MongoStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	var doc userDocument
	err := ms.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&doc)
	if err != nil {
		return nil, translateError(err, "user "+username)
	}
	return &User{ID: doc.ID, Username: doc.Username, Verifier: doc.Verifier}, nil
}

func (ms *MongoStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if g, ok := ms.groupCache.Get(id); ok {
		cp := *g
		return &cp, nil
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	var doc groupDocument
	startTime := time.Now()
	err := ms.db.Collection(GroupCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	logger.DebugF("group query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, translateError(err, "group "+id)
	}
	g := &Group{ID: doc.ID, Name: doc.Name}
	ms.groupCache.Add(id, g)
	cp := *g
	return &cp, nil
}

func (ms *MongoStore) distinctMembers(ctx context.Context, field string, filter bson.D) ([]string, error) {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	cursor, err := ms.db.Collection(MembershipCollectionName).Find(ctx, filter)
	if err != nil {
		return nil, translateError(err, "memberships")
	}
	var docs []membershipDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, translateError(err, "memberships")
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if field == "group_id" {
			ids = append(ids, d.GroupID)
		} else {
			ids = append(ids, d.UserID)
		}
	}
	return ids, nil
}

func (ms *MongoStore) GetGroupsFromUser(ctx context.Context, userID string) ([]string, error) {
	return ms.distinctMembers(ctx, "group_id", bson.D{{Key: "user_id", Value: userID}})
}

func (ms *MongoStore) GetUsersFromGroup(ctx context.Context, groupID string) ([]string, error) {
	return ms.distinctMembers(ctx, "user_id", bson.D{{Key: "group_id", Value: groupID}})
}

func (ms *MongoStore) AddUser(ctx context.Context, username, verifier string) (string, error) {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	if _, err := ms.GetUserByName(ctx, username); err == nil {
		return "", fmt.Errorf("user %q: %w", username, ErrAlreadyExists)
	}
	id, err := ms.nextID(ctx, UserCollectionName)
	if err != nil {
		return "", err
	}
	_, err = ms.db.Collection(UserCollectionName).InsertOne(ctx, userDocument{ID: id, Username: username, Verifier: verifier})
	if err != nil {
		return "", translateError(err, "user "+username)
	}
	logger.InfoF("User created: id=%s, username=%s", id, username)
	return id, nil
}

func (ms *MongoStore) AddGroup(ctx context.Context, name string) (string, error) {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	id, err := ms.nextID(ctx, GroupCollectionName)
	if err != nil {
		return "", err
	}
	if _, err := ms.db.Collection(GroupCollectionName).InsertOne(ctx, groupDocument{ID: id, Name: name}); err != nil {
		return "", translateError(err, "group "+name)
	}
	logger.InfoF("Group created: id=%s, name=%s", id, name)
	return id, nil
}

func (ms *MongoStore) AddUserToGroup(ctx context.Context, userID, groupID string) (string, error) {
	if _, err := ms.GetUser(ctx, userID); err != nil {
		return "", err
	}
	if _, err := ms.GetGroup(ctx, groupID); err != nil {
		return "", err
	}
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	id, err := ms.nextID(ctx, MembershipCollectionName)
	if err != nil {
		return "", err
	}
	doc := membershipDocument{ID: id, UserID: userID, GroupID: groupID}
	if _, err := ms.db.Collection(MembershipCollectionName).InsertOne(ctx, doc); err != nil {
		return "", translateError(err, "membership "+userID+"/"+groupID)
	}
	return id, nil
}

func (ms *MongoStore) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	result, err := ms.db.Collection(MembershipCollectionName).DeleteMany(ctx,
		bson.D{{Key: "user_id", Value: userID}, {Key: "group_id", Value: groupID}})
	if err != nil {
		return translateError(err, "membership "+userID+"/"+groupID)
	}
	logger.DebugF("Membership deleted: user=%s, group=%s, deleted=%d", userID, groupID, result.DeletedCount)
	return nil
}

func (ms *MongoStore) EnsureDefaultGroup(ctx context.Context) error {
	ctx, cancel := ms.opContext(ctx)
	defer cancel()

	_, err := ms.db.Collection(GroupCollectionName).InsertOne(ctx, groupDocument{ID: DefaultGroupID, Name: DefaultGroupName})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return translateError(err, "default group")
	}
	_, err = ms.db.Collection(CounterCollectionName).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: GroupCollectionName}},
		bson.D{{Key: "$max", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.Update().SetUpsert(true),
	)
	return translateError(err, "group counter")
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := ms.opContext(ctx)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
