package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/balance"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/rate"
	"github.com/xraph/tollgate/session"
	tollgatestore "github.com/xraph/tollgate/store"
)

// Collection name constants.
const (
	colOperators = "tollgate_operators"
	colAccounts  = "tollgate_accounts"
	colGrants    = "tollgate_grants"
	colSessions  = "tollgate_sessions"
	colEntries   = "tollgate_entries"
)

// reversesIndex backs the one-reversal-per-entry rule.
const reversesIndex = "uniq_reverses_id"

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// Store implements store.Store on MongoDB. Ledger transactions need a
// replica set or sharded cluster.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool
}

// New creates a store on db. The caller keeps ownership of the client.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// Open connects to uri and uses the named database. Close disconnects.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tollgate/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("tollgate/mongo: ping: %w", err)
	}
	return &Store{client: client, db: client.Database(database), owned: true}, nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all tollgate collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tollgate/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// ==================== Operator Store ====================

func (s *Store) UpsertOperator(ctx context.Context, op *rate.Operator) error {
	m := toOperatorModel(op)
	_, err := s.col(colOperators).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{
			"$set": bson.M{
				"display_name":     m.DisplayName,
				"contact":          m.Contact,
				"active":           m.Active,
				"currency":         m.Currency,
				"rate_per_minute":  m.RatePerMinute,
				"connect_fee":      m.ConnectFee,
				"rate_per_message": m.RatePerMessage,
				"metadata":         m.Metadata,
				"updated_at":       m.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": m.CreatedAt},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: upsert operator: %w", err)
	}
	return nil
}

func (s *Store) GetOperator(ctx context.Context, operatorID string) (*rate.Operator, error) {
	var m operatorModel
	err := s.col(colOperators).FindOne(ctx, bson.M{"_id": operatorID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tollgate.ErrOperatorNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get operator: %w", err)
	}
	return fromOperatorModel(&m), nil
}

func (s *Store) ListOperators(ctx context.Context, opts rate.ListOpts) ([]*rate.Operator, error) {
	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}

	var models []operatorModel
	if err := s.findAll(ctx, colOperators, filter, bson.D{{Key: "_id", Value: 1}}, opts.Limit, opts.Offset, &models); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list operators: %w", err)
	}

	result := make([]*rate.Operator, len(models))
	for i := range models {
		result[i] = fromOperatorModel(&models[i])
	}
	return result, nil
}

func (s *Store) SetOperatorActive(ctx context.Context, operatorID string, active bool) error {
	res, err := s.col(colOperators).UpdateOne(ctx,
		bson.M{"_id": operatorID},
		bson.M{"$set": bson.M{"active": active, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: set operator active: %w", err)
	}
	if res.MatchedCount == 0 {
		return tollgate.ErrOperatorNotFound
	}
	return nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *balance.Account) error {
	if _, err := s.col(colAccounts).InsertOne(ctx, toAccountModel(a)); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, customerID string) (*balance.Account, error) {
	return getAccount(ctx, s.col(colAccounts), customerID)
}

// ==================== Grant Store ====================

func (s *Store) GrantFreeMinutes(ctx context.Context, customerID, operatorID string, minutes int64) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: minutes must be positive", tollgate.ErrInvalidInput)
	}
	_, err := s.col(colGrants).UpdateOne(ctx,
		bson.M{"_id": grantKey(customerID, operatorID)},
		bson.M{
			"$inc":         bson.M{"remaining": minutes, "granted": minutes},
			"$set":         bson.M{"updated_at": time.Now().UTC()},
			"$setOnInsert": bson.M{"customer_id": customerID, "operator_id": operatorID},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, customerID, operatorID string) (*entitlement.Grant, error) {
	var m grantModel
	err := s.col(colGrants).FindOne(ctx, bson.M{"_id": grantKey(customerID, operatorID)}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tollgate.ErrNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get grant: %w", err)
	}
	return fromGrantModel(&m), nil
}

// ==================== Session Store ====================

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	var m sessionModel
	err := s.col(colSessions).FindOne(ctx, bson.M{"_id": sessionID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tollgate.ErrSessionNotFound
		}
		return nil, fmt.Errorf("tollgate/mongo: get session: %w", err)
	}
	return fromSessionModel(&m)
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	filter := bson.M{}
	if opts.CustomerID != "" {
		filter["customer_id"] = opts.CustomerID
	}
	if opts.OperatorID != "" {
		filter["operator_id"] = opts.OperatorID
	}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		filter["state"] = bson.M{"$in": states}
	}
	if opts.After != nil {
		at := opts.After.CreatedAt.UTC()
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": at}},
			bson.M{"created_at": at, "_id": bson.M{"$gt": opts.After.ID.String()}},
		}
	}

	var models []sessionModel
	sort := bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}
	if err := s.findAll(ctx, colSessions, filter, sort, opts.Limit, opts.Offset, &models); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list sessions: %w", err)
	}

	result := make([]*session.Session, 0, len(models))
	for i := range models {
		sess, err := fromSessionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, nil
}

// ==================== Journal Store ====================

func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*journal.Entry, error) {
	return getEntry(ctx, s.col(colEntries), entryID)
}

func (s *Store) ListEntries(ctx context.Context, opts journal.ListOpts) ([]*journal.Entry, error) {
	filter := bson.M{}
	if opts.CustomerID != "" {
		filter["customer_id"] = opts.CustomerID
	}
	if opts.OperatorID != "" {
		filter["operator_id"] = opts.OperatorID
	}
	if !opts.SessionID.IsNil() {
		filter["session_id"] = opts.SessionID.String()
	}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}

	var models []entryModel
	sort := bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}
	if err := s.findAll(ctx, colEntries, filter, sort, opts.Limit, opts.Offset, &models); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list entries: %w", err)
	}

	result := make([]*journal.Entry, 0, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// ==================== Transactions ====================

// RunInTx runs fn inside a multi-document transaction with snapshot reads.
// Write conflicts abort immediately instead of waiting, and surface as
// tollgate.ErrConcurrencyConflict for the caller to retry.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx tollgatestore.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("tollgate/mongo: start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return fmt.Errorf("tollgate/mongo: start transaction: %w", err)
	}

	sctx := mongo.NewSessionContext(ctx, sess)
	if err := fn(sctx, &tx{s: s}); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(ctx))
		return mapError(err)
	}
	return mapError(sess.CommitTransaction(sctx))
}

// ==================== Helpers ====================

func (s *Store) findAll(ctx context.Context, col string, filter any, sort bson.D, limit, offset int, out any) error {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	cur, err := s.col(col).Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func getAccount(ctx context.Context, col *mongo.Collection, customerID string) (*balance.Account, error) {
	var m accountModel
	if err := col.FindOne(ctx, bson.M{"_id": customerID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tollgate.ErrCustomerNotFound
		}
		return nil, mapError(err)
	}
	return fromAccountModel(&m), nil
}

func getEntry(ctx context.Context, col *mongo.Collection, entryID id.EntryID) (*journal.Entry, error) {
	var m entryModel
	if err := col.FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tollgate.ErrEntryNotFound
		}
		return nil, mapError(err)
	}
	return fromEntryModel(&m)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// mapError translates MongoDB failures into tollgate errors. Errors that
// already carry a tollgate sentinel pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", tollgate.ErrConcurrencyConflict, err)
	}
	var srv mongo.ServerError
	if errors.As(err, &srv) && (srv.HasErrorCode(codeWriteConflict) || srv.HasErrorCode(codeLockTimeout)) {
		return fmt.Errorf("%w: %w", tollgate.ErrConcurrencyConflict, err)
	}

	if mongo.IsDuplicateKeyError(err) {
		if srv != nil && srv.HasErrorCodeWithMessage(codeDuplicateKey, reversesIndex) {
			return fmt.Errorf("%w: %w", tollgate.ErrAlreadyReversed, err)
		}
		return fmt.Errorf("%w: %w", tollgate.ErrAlreadyExists, err)
	}
	return err
}

const (
	codeDuplicateKey  = 11000
	codeLockTimeout   = 24
	codeWriteConflict = 112
)

// migrationIndexes returns the index definitions for all tollgate collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colOperators: {
			{Keys: bson.D{{Key: "active", Value: 1}}},
		},
		colSessions: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "operator_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}}},
		},
		colGrants: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "operator_id", Value: 1}}},
		},
		colEntries: {
			{
				Keys: bson.D{{Key: "reverses_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName(reversesIndex).
					SetPartialFilterExpression(bson.M{"reverses_id": bson.M{"$type": "string"}}),
			},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "operator_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "session_id", Value: 1}}},
		},
	}
}
