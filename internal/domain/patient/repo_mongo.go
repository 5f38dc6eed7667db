package patient

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medflow/medflow/internal/platform/db"
)

// maxMutateAttempts bounds the compare-and-swap retries of Mutate.
const maxMutateAttempts = 5

type noteDoc struct {
	ID         string    `bson:"id"`
	Type       string    `bson:"type"`
	AuthorID   string    `bson:"authorId"`
	AuthorName string    `bson:"authorName"`
	Content    string    `bson:"content"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type rxOrderDoc struct {
	ID                 string     `bson:"id"`
	RxURL              string     `bson:"rxUrl"`
	PharmacyQRURL      string     `bson:"PharmacyQrUrl"`
	Status             string     `bson:"status"`
	Content            rxContent  `bson:"content"`
	QRCode             string     `bson:"qrCode"`
	PharmacyQRCode     string     `bson:"pharmacyQrCode"`
	PrescriberID       string     `bson:"prescriberId"`
	PrescriberName     string     `bson:"prescriberName"`
	CreatedAt          time.Time  `bson:"createdAt"`
	StatusChangedAt    *time.Time `bson:"statusChangedAt,omitempty"`
	InvalidationReason string     `bson:"invalidationReason,omitempty"`
	PharmacyTokenHash  string     `bson:"pharmacyTokenHash,omitempty"`
}

type rxContent struct {
	Diagnosis    string `bson:"diagnosis"`
	Medication   string `bson:"medication"`
	Dosage       string `bson:"dosage"`
	Frequency    string `bson:"frequency"`
	Duration     string `bson:"duration"`
	Pickup       string `bson:"pickup"`
	PharmacyName string `bson:"pharmacyName"`
	Instructions string `bson:"instructions"`
}

type patientDoc struct {
	ID             string       `bson:"_id"`
	FirstName      string       `bson:"firstName"`
	LastName       string       `bson:"lastName"`
	DateOfBirth    *time.Time   `bson:"dateOfBirth,omitempty"`
	Gender         string       `bson:"gender"`
	Phone          string       `bson:"phone"`
	Email          string       `bson:"email"`
	Location       string       `bson:"location"`
	Language       string       `bson:"language"`
	Status         string       `bson:"status"`
	ChiefComplaint string       `bson:"chiefComplaint"`
	TelegramChatID *int64       `bson:"telegramChatId,omitempty"`
	PhotoKeys      []string     `bson:"photoKeys"`
	Notes          []noteDoc    `bson:"notes"`
	RxOrders       []rxOrderDoc `bson:"rxOrders"`
	Version        int          `bson:"version"`
	CreatedAt      time.Time    `bson:"createdAt"`
	UpdatedAt      time.Time    `bson:"updatedAt"`
}

func toPatientDoc(p *Patient) patientDoc {
	d := patientDoc{
		ID:             p.ID.String(),
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		DateOfBirth:    p.DateOfBirth,
		Gender:         p.Gender,
		Phone:          p.Phone,
		Email:          p.Email,
		Location:       p.Location,
		Language:       p.Language,
		Status:         p.Status,
		ChiefComplaint: p.ChiefComplaint,
		TelegramChatID: p.TelegramChatID,
		PhotoKeys:      append([]string{}, p.PhotoKeys...),
		Notes:          make([]noteDoc, len(p.Notes)),
		RxOrders:       make([]rxOrderDoc, len(p.RxOrders)),
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	for i, n := range p.Notes {
		d.Notes[i] = noteDoc{
			ID:         n.ID.String(),
			Type:       n.Type,
			AuthorID:   n.AuthorID.String(),
			AuthorName: n.AuthorName,
			Content:    n.Content,
			CreatedAt:  n.CreatedAt,
		}
	}
	for i, o := range p.RxOrders {
		d.RxOrders[i] = rxOrderDoc{
			ID:                 o.ID.String(),
			RxURL:              o.RxURL,
			PharmacyQRURL:      o.PharmacyQRURL,
			Status:             string(o.Status),
			Content:            rxContent(o.Content),
			QRCode:             o.QRCode,
			PharmacyQRCode:     o.PharmacyQRCode,
			PrescriberID:       o.PrescriberID.String(),
			PrescriberName:     o.PrescriberName,
			CreatedAt:          o.CreatedAt,
			StatusChangedAt:    o.StatusChangedAt,
			InvalidationReason: o.InvalidationReason,
			PharmacyTokenHash:  o.PharmacyTokenHash,
		}
	}
	return d
}

func (d patientDoc) toPatient() (*Patient, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	p := &Patient{
		ID:             id,
		FirstName:      d.FirstName,
		LastName:       d.LastName,
		DateOfBirth:    d.DateOfBirth,
		Gender:         d.Gender,
		Phone:          d.Phone,
		Email:          d.Email,
		Location:       d.Location,
		Language:       d.Language,
		Status:         d.Status,
		ChiefComplaint: d.ChiefComplaint,
		TelegramChatID: d.TelegramChatID,
		PhotoKeys:      d.PhotoKeys,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	for _, n := range d.Notes {
		noteID, _ := uuid.Parse(n.ID)
		authorID, _ := uuid.Parse(n.AuthorID)
		p.Notes = append(p.Notes, Note{
			ID:         noteID,
			Type:       n.Type,
			AuthorID:   authorID,
			AuthorName: n.AuthorName,
			Content:    n.Content,
			CreatedAt:  n.CreatedAt,
		})
	}
	for _, o := range d.RxOrders {
		orderID, err := uuid.Parse(o.ID)
		if err != nil {
			return nil, err
		}
		prescriberID, _ := uuid.Parse(o.PrescriberID)
		p.RxOrders = append(p.RxOrders, RxOrder{
			ID:                 orderID,
			RxURL:              o.RxURL,
			PharmacyQRURL:      o.PharmacyQRURL,
			Status:             RxStatus(o.Status),
			Content:            RxContent(o.Content),
			QRCode:             o.QRCode,
			PharmacyQRCode:     o.PharmacyQRCode,
			PrescriberID:       prescriberID,
			PrescriberName:     o.PrescriberName,
			CreatedAt:          o.CreatedAt,
			StatusChangedAt:    o.StatusChangedAt,
			InvalidationReason: o.InvalidationReason,
			PharmacyTokenHash:  o.PharmacyTokenHash,
		})
	}
	return p, nil
}

type repoMongo struct {
	coll *mongo.Collection
}

func NewRepoMongo(database *mongo.Database) Repository {
	return &repoMongo{coll: database.Collection(db.CollPatients)}
}

func (r *repoMongo) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.coll.InsertOne(ctx, toPatientDoc(p))
	return err
}

func (r *repoMongo) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*Patient, error) {
	var d patientDoc
	if err := r.coll.FindOne(ctx, filter, opts...).Decode(&d); err != nil {
		if db.IsNoDocuments(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d.toPatient()
}

func (r *repoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *repoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoMongo) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if term := strings.TrimSpace(filter.Query); term != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(term), "$options": "i"}
		q["$or"] = bson.A{bson.M{"firstName": pattern}, bson.M{"lastName": pattern}}
	}

	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var patients []*Patient
	for cur.Next(ctx) {
		var d patientDoc
		if err := cur.Decode(&d); err != nil {
			return nil, 0, err
		}
		p, err := d.toPatient()
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, int(total), cur.Err()
}

// Mutate replaces the document only if its version is unchanged since the
// read, re-reading and reapplying fn when another writer got there first.
func (r *repoMongo) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Patient, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		p, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		readVersion := p.Version
		if err := fn(p); err != nil {
			return nil, err
		}
		p.Version = readVersion + 1
		p.UpdatedAt = time.Now().UTC()

		res, err := r.coll.ReplaceOne(ctx,
			bson.M{"_id": id.String(), "version": readVersion},
			toPatientDoc(p))
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 1 {
			return p, nil
		}
	}
	return nil, ErrConcurrentUpdate
}

func (r *repoMongo) FindByRxOrder(ctx context.Context, orderID uuid.UUID) (*Patient, error) {
	return r.findOne(ctx, bson.M{"rxOrders.id": orderID.String()})
}

func (r *repoMongo) GetByTelegramChat(ctx context.Context, chatID int64) (*Patient, error) {
	return r.findOne(ctx, bson.M{"telegramChatId": chatID},
		options.FindOne().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
}
