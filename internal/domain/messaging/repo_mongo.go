package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medflow/medflow/internal/platform/bot"
	"github.com/medflow/medflow/internal/platform/db"
)

type messageDoc struct {
	ID                string    `bson:"id"`
	Direction         string    `bson:"direction"`
	Type              string    `bson:"type"`
	Text              string    `bson:"text,omitempty"`
	MediaKey          string    `bson:"mediaKey,omitempty"`
	SenderID          string    `bson:"senderId,omitempty"`
	TelegramMessageID int       `bson:"telegramMessageId,omitempty"`
	SentAt            time.Time `bson:"sentAt"`
}

type threadDoc struct {
	ID        string       `bson:"_id"`
	ChatID    int64        `bson:"chatId"`
	PatientID string       `bson:"patientId,omitempty"`
	Username  string       `bson:"username"`
	FirstName string       `bson:"firstName"`
	Language  string       `bson:"language"`
	Messages  []messageDoc `bson:"messages"`
	CreatedAt time.Time    `bson:"createdAt"`
	UpdatedAt time.Time    `bson:"updatedAt"`
}

func toMessageDoc(m Message) messageDoc {
	d := messageDoc{
		ID:                m.ID.String(),
		Direction:         m.Direction,
		Type:              string(m.Type),
		Text:              m.Text,
		MediaKey:          m.MediaKey,
		TelegramMessageID: m.TelegramMessageID,
		SentAt:            m.SentAt,
	}
	if m.SenderID != nil {
		d.SenderID = m.SenderID.String()
	}
	return d
}

func (d threadDoc) toThread() (*Thread, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	t := &Thread{
		ID:        id,
		ChatID:    d.ChatID,
		Username:  d.Username,
		FirstName: d.FirstName,
		Language:  d.Language,
		Messages:  make([]Message, 0, len(d.Messages)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.PatientID != "" {
		if pid, err := uuid.Parse(d.PatientID); err == nil {
			t.PatientID = &pid
		}
	}
	for _, m := range d.Messages {
		msgID, _ := uuid.Parse(m.ID)
		msg := Message{
			ID:                msgID,
			Direction:         m.Direction,
			Type:              bot.MessageType(m.Type),
			Text:              m.Text,
			MediaKey:          m.MediaKey,
			TelegramMessageID: m.TelegramMessageID,
			SentAt:            m.SentAt,
		}
		if sender, err := uuid.Parse(m.SenderID); err == nil {
			msg.SenderID = &sender
		}
		t.Messages = append(t.Messages, msg)
	}
	return t, nil
}

type threadRepoMongo struct {
	coll *mongo.Collection
}

func NewThreadRepoMongo(database *mongo.Database) ThreadRepository {
	return &threadRepoMongo{coll: database.Collection(db.CollTelegramThreads)}
}

func (r *threadRepoMongo) GetByChatID(ctx context.Context, chatID int64) (*Thread, error) {
	var d threadDoc
	if err := r.coll.FindOne(ctx, bson.M{"chatId": chatID}).Decode(&d); err != nil {
		if db.IsNoDocuments(err) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return d.toThread()
}

func (r *threadRepoMongo) List(ctx context.Context, limit, offset int) ([]*Thread, int, error) {
	total, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var threads []*Thread
	for cur.Next(ctx) {
		var d threadDoc
		if err := cur.Decode(&d); err != nil {
			return nil, 0, err
		}
		t, err := d.toThread()
		if err != nil {
			return nil, 0, err
		}
		threads = append(threads, t)
	}
	return threads, int(total), cur.Err()
}

// upsert applies update to the chat's thread, creating it when missing.
// Two first messages racing on a new chat collide on the unique chatId
// index; the loser retries against the now existing document.
func (r *threadRepoMongo) upsert(ctx context.Context, chatID int64, set bson.M, extra bson.M) (*Thread, error) {
	now := time.Now().UTC()
	set["updatedAt"] = now
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"_id":       uuid.NewString(),
			"createdAt": now,
		},
	}
	for op, v := range extra {
		update[op] = v
	}
	onInsert := update["$setOnInsert"].(bson.M)
	for _, field := range []string{"username", "firstName", "language"} {
		if _, ok := set[field]; !ok {
			onInsert[field] = ""
		}
	}
	if _, pushes := extra["$push"]; !pushes {
		onInsert["messages"] = bson.A{}
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var d threadDoc
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"chatId": chatID}, update, opts).Decode(&d)
	if db.IsDuplicateKey(err) {
		err = r.coll.FindOneAndUpdate(ctx, bson.M{"chatId": chatID}, update, opts).Decode(&d)
	}
	if err != nil {
		return nil, err
	}
	return d.toThread()
}

func (r *threadRepoMongo) AppendMessage(ctx context.Context, who Participant, msg Message) (*Thread, error) {
	set := bson.M{}
	if who.Username != "" {
		set["username"] = who.Username
	}
	if who.FirstName != "" {
		set["firstName"] = who.FirstName
	}
	if who.Language != "" {
		set["language"] = who.Language
	}
	return r.upsert(ctx, who.ChatID, set, bson.M{
		"$push": bson.M{"messages": toMessageDoc(msg)},
	})
}

func (r *threadRepoMongo) LinkPatient(ctx context.Context, chatID int64, patientID uuid.UUID) error {
	_, err := r.upsert(ctx, chatID, bson.M{"patientId": patientID.String()}, nil)
	return err
}
