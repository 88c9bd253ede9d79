package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"payment-relay/internal/payments/entities"
)

type paymentDocument struct {
	Reference        string    `bson:"_id"`
	IdempotencyKey   string    `bson:"idempotency_key,omitempty"`
	Email            string    `bson:"email"`
	Amount           string    `bson:"amount"`
	Currency         string    `bson:"currency"`
	PlanKey          string    `bson:"plan_key"`
	PlanLabel        string    `bson:"plan_label"`
	Gateway          string    `bson:"gateway"`
	Status           string    `bson:"status"`
	RedirectURL      string    `bson:"redirect_url"`
	PollURL          string    `bson:"poll_url"`
	GatewayReference string    `bson:"gateway_reference"`
	LastError        string    `bson:"last_error"`
	Attempts         int       `bson:"attempts"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func toDocument(p *entities.Payment) paymentDocument {
	return paymentDocument{
		Reference:        p.Reference,
		IdempotencyKey:   p.IdempotencyKey,
		Email:            p.Email,
		Amount:           p.Amount.String(),
		Currency:         p.Currency,
		PlanKey:          p.PlanKey,
		PlanLabel:        p.PlanLabel,
		Gateway:          p.Gateway,
		Status:           string(p.Status),
		RedirectURL:      p.RedirectURL,
		PollURL:          p.PollURL,
		GatewayReference: p.GatewayReference,
		LastError:        p.LastError,
		Attempts:         p.Attempts,
		CreatedAt:        p.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:        p.UpdatedAt.UTC().Truncate(time.Millisecond),
	}
}

func (d paymentDocument) payment() (*entities.Payment, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, errors.Wrapf(err, "payment %s amount", d.Reference)
	}
	return &entities.Payment{
		Reference:        d.Reference,
		IdempotencyKey:   d.IdempotencyKey,
		Email:            d.Email,
		Amount:           amount,
		Currency:         d.Currency,
		PlanKey:          d.PlanKey,
		PlanLabel:        d.PlanLabel,
		Gateway:          d.Gateway,
		Status:           entities.Status(d.Status),
		RedirectURL:      d.RedirectURL,
		PollURL:          d.PollURL,
		GatewayReference: d.GatewayReference,
		LastError:        d.LastError,
		Attempts:         d.Attempts,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}, nil
}

// MongoRegistry stores payments in a MongoDB collection. Transitions are
// conditional FindOneAndUpdate calls keyed on the previous status and
// updated_at, which MongoDB applies atomically per document.
type MongoRegistry struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoRegistry(ctx context.Context, uri, database string) (*MongoRegistry, error) {
	if uri == "" {
		return nil, errors.New("MONGOURI not set")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongodb")
	}

	r := &MongoRegistry{client: client, collection: client.Database(database).Collection("payments")}
	if err := r.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return r, nil
}

func (r *MongoRegistry) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return errors.Wrap(err, "create payment indexes")
}

func (r *MongoRegistry) Insert(ctx context.Context, p *entities.Payment) error {
	if err := validateNew(p); err != nil {
		return err
	}

	_, err := r.collection.InsertOne(ctx, toDocument(p))
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrapf(ErrDuplicate, "reference %s", p.Reference)
	}
	return errors.Wrap(err, "insert payment")
}

func (r *MongoRegistry) findOne(ctx context.Context, filter bson.M, what string) (*entities.Payment, error) {
	var doc paymentDocument
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, errors.Wrap(ErrNotFound, what)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find payment")
	}
	return doc.payment()
}

func (r *MongoRegistry) Get(ctx context.Context, reference string) (*entities.Payment, error) {
	return r.findOne(ctx, bson.M{"_id": reference}, reference)
}

func (r *MongoRegistry) FindByIdempotencyKey(ctx context.Context, key string) (*entities.Payment, error) {
	return r.findOne(ctx, bson.M{"idempotency_key": key}, "idempotency key "+key)
}

func (r *MongoRegistry) Transition(ctx context.Context, reference string, to entities.Status, f entities.TransitionFields) (*entities.Payment, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := r.Get(ctx, reference)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := transition(next, to, f, time.Now()); err != nil {
			return cur, err
		}
		doc := toDocument(next)

		filter := bson.M{
			"_id":        reference,
			"status":     string(cur.Status),
			"updated_at": cur.UpdatedAt,
		}
		update := bson.M{"$set": bson.M{
			"status":            doc.Status,
			"redirect_url":      doc.RedirectURL,
			"poll_url":          doc.PollURL,
			"gateway_reference": doc.GatewayReference,
			"last_error":        doc.LastError,
			"attempts":          doc.Attempts,
			"updated_at":        doc.UpdatedAt,
		}}

		var updated paymentDocument
		err = r.collection.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "update payment status")
		}
		return updated.payment()
	}
	return nil, errors.Wrapf(ErrConflict, "%s: concurrent updates", reference)
}

func (r *MongoRegistry) ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*entities.Payment, error) {
	statuses := make([]string, 0, len(expirable))
	for _, s := range expirable {
		statuses = append(statuses, string(s))
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.collection.Find(ctx, bson.M{
		"status":     bson.M{"$in": statuses},
		"created_at": bson.M{"$lt": createdBefore},
	}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list expirable payments")
	}
	defer cur.Close(ctx)

	var docs []paymentDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode payments")
	}

	out := make([]*entities.Payment, 0, len(docs))
	for _, d := range docs {
		p, err := d.payment()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *MongoRegistry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
