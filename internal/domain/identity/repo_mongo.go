package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medflow/medflow/internal/platform/db"
)

// -- User Repository --

type questionDoc struct {
	Question string `bson:"question"`
	Answer   string `bson:"answer"`
}

type userDoc struct {
	ID                     string        `bson:"_id"`
	Email                  string        `bson:"email"`
	Password               string        `bson:"password"`
	FirstName              string        `bson:"firstName"`
	LastName               string        `bson:"lastName"`
	AccountType            string        `bson:"accountType"`
	Authorized             bool          `bson:"authorized"`
	ApprovalDate           *time.Time    `bson:"approvalDate"`
	DenialDate             *time.Time    `bson:"denialDate"`
	SecurityQuestions      []questionDoc `bson:"securityQuestions"`
	AdminResetPasswordLink string        `bson:"adminResetPasswordLink,omitempty"`
	AdminResetLinkExpiry   *time.Time    `bson:"adminResetLinkExpiry,omitempty"`
	TempPasswordResetCode  string        `bson:"tempPasswordResetCode,omitempty"`
	TempCodeExpiry         *time.Time    `bson:"tempCodeExpiry,omitempty"`
	CreatedAt              time.Time     `bson:"createdAt"`
	UpdatedAt              time.Time     `bson:"updatedAt"`
}

func toUserDoc(u *User) userDoc {
	d := userDoc{
		ID:                     u.ID.String(),
		Email:                  u.Email,
		Password:               u.PasswordHash,
		FirstName:              u.FirstName,
		LastName:               u.LastName,
		AccountType:            u.AccountType,
		Authorized:             u.Authorized,
		ApprovalDate:           u.ApprovalDate,
		DenialDate:             u.DenialDate,
		AdminResetPasswordLink: u.AdminResetToken,
		AdminResetLinkExpiry:   u.AdminResetExpiry,
		TempPasswordResetCode:  u.TempResetCode,
		TempCodeExpiry:         u.TempCodeExpiry,
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
	}
	d.SecurityQuestions = make([]questionDoc, len(u.SecurityQuestions))
	for i, q := range u.SecurityQuestions {
		d.SecurityQuestions[i] = questionDoc{Question: q.Question, Answer: q.AnswerHash}
	}
	return d
}

func (d userDoc) toUser() (*User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:               id,
		Email:            d.Email,
		PasswordHash:     d.Password,
		FirstName:        d.FirstName,
		LastName:         d.LastName,
		AccountType:      d.AccountType,
		Authorized:       d.Authorized,
		ApprovalDate:     d.ApprovalDate,
		DenialDate:       d.DenialDate,
		AdminResetToken:  d.AdminResetPasswordLink,
		AdminResetExpiry: d.AdminResetLinkExpiry,
		TempResetCode:    d.TempPasswordResetCode,
		TempCodeExpiry:   d.TempCodeExpiry,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	for _, q := range d.SecurityQuestions {
		u.SecurityQuestions = append(u.SecurityQuestions, SecurityQuestion{Question: q.Question, AnswerHash: q.Answer})
	}
	return u, nil
}

type userRepoMongo struct {
	coll *mongo.Collection
}

func NewUserRepoMongo(database *mongo.Database) UserRepository {
	return &userRepoMongo{coll: database.Collection(db.CollUsers)}
}

func (r *userRepoMongo) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := r.coll.InsertOne(ctx, toUserDoc(u))
	if db.IsDuplicateKey(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *userRepoMongo) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var d userDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&d); err != nil {
		if db.IsNoDocuments(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d.toUser()
}

func (r *userRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *userRepoMongo) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *userRepoMongo) GetByResetToken(ctx context.Context, tokenHash string) (*User, error) {
	return r.findOne(ctx, bson.M{"adminResetPasswordLink": tokenHash})
}

func (r *userRepoMongo) Update(ctx context.Context, u *User) error {
	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": u.ID.String()}, toUserDoc(u))
	if err != nil {
		if db.IsDuplicateKey(err) {
			return ErrEmailTaken
		}
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func filterDoc(f UserFilter) bson.M {
	switch f {
	case FilterPending:
		return bson.M{"authorized": false, "denialDate": nil}
	case FilterApproved:
		return bson.M{"authorized": true}
	case FilterDenied:
		return bson.M{"authorized": false, "denialDate": bson.M{"$ne": nil}}
	default:
		return bson.M{}
	}
}

func (r *userRepoMongo) List(ctx context.Context, filter UserFilter, limit, offset int) ([]*User, int, error) {
	q := filterDoc(filter)
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

	var users []*User
	for cur.Next(ctx) {
		var d userDoc
		if err := cur.Decode(&d); err != nil {
			return nil, 0, err
		}
		u, err := d.toUser()
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, int(total), cur.Err()
}

// -- Admin Repository --

type adminDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"userId"`
	FirstName string    `bson:"firstName"`
	LastName  string    `bson:"lastName"`
	Email     string    `bson:"email"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (d adminDoc) toAdmin() (*Admin, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return nil, err
	}
	return &Admin{
		ID:        id,
		UserID:    userID,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Email:     d.Email,
		CreatedAt: d.CreatedAt,
	}, nil
}

type adminRepoMongo struct {
	coll *mongo.Collection
}

func NewAdminRepoMongo(database *mongo.Database) AdminRepository {
	return &adminRepoMongo{coll: database.Collection(db.CollAdmins)}
}

func (r *adminRepoMongo) Create(ctx context.Context, a *Admin) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.coll.InsertOne(ctx, adminDoc{
		ID:        a.ID.String(),
		UserID:    a.UserID.String(),
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Email:     a.Email,
		CreatedAt: a.CreatedAt,
	})
	if db.IsDuplicateKey(err) {
		return ErrAlreadyAdmin
	}
	return err
}

func (r *adminRepoMongo) GetByUserID(ctx context.Context, userID uuid.UUID) (*Admin, error) {
	var d adminDoc
	if err := r.coll.FindOne(ctx, bson.M{"userId": userID.String()}).Decode(&d); err != nil {
		if db.IsNoDocuments(err) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return d.toAdmin()
}

func (r *adminRepoMongo) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"userId": userID.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrAdminNotFound
	}
	return nil
}

func (r *adminRepoMongo) List(ctx context.Context, limit, offset int) ([]*Admin, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var admins []*Admin
	for cur.Next(ctx) {
		var d adminDoc
		if err := cur.Decode(&d); err != nil {
			return nil, 0, err
		}
		a, err := d.toAdmin()
		if err != nil {
			return nil, 0, err
		}
		admins = append(admins, a)
	}
	return admins, total, cur.Err()
}

func (r *adminRepoMongo) Count(ctx context.Context) (int, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{})
	return int(n), err
}

// -- Settings Repository --

const settingsDocID = "global"

type settingsRepoMongo struct {
	coll *mongo.Collection
}

func NewSettingsRepoMongo(database *mongo.Database) SettingsRepository {
	return &settingsRepoMongo{coll: database.Collection(db.CollSettings)}
}

func (r *settingsRepoMongo) Get(ctx context.Context) (*Settings, error) {
	var d struct {
		IsAdminCreated bool      `bson:"isAdminCreated"`
		UpdatedAt      time.Time `bson:"updatedAt"`
	}
	if err := r.coll.FindOne(ctx, bson.M{"_id": settingsDocID}).Decode(&d); err != nil {
		if db.IsNoDocuments(err) {
			return nil, ErrSettingsAbsent
		}
		return nil, err
	}
	return &Settings{IsAdminCreated: d.IsAdminCreated, UpdatedAt: d.UpdatedAt}, nil
}

// ClaimAdminCreation upserts the settings document only while the flag is
// unset. When another caller already holds the claim the filter misses the
// existing document and the upsert collides on _id.
func (r *settingsRepoMongo) ClaimAdminCreation(ctx context.Context) (bool, error) {
	filter := bson.M{"_id": settingsDocID, "isAdminCreated": bson.M{"$ne": true}}
	update := bson.M{"$set": bson.M{"isAdminCreated": true, "updatedAt": time.Now().UTC()}}
	res, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if db.IsDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	return res.ModifiedCount == 1 || res.UpsertedCount == 1, nil
}

func (r *settingsRepoMongo) ReleaseAdminCreation(ctx context.Context) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": settingsDocID},
		bson.M{"$set": bson.M{"isAdminCreated": false, "updatedAt": time.Now().UTC()}})
	return err
}
