package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

const userColumns = `id, email, password_hash, first_name, last_name, account_type,
	authorized, approval_date, denial_date, security_questions,
	admin_reset_token, admin_reset_expiry, temp_reset_code, temp_code_expiry,
	created_at, updated_at`

// storedQuestion is the JSONB shape of a security question. Unlike
// SecurityQuestion it keeps the answer hash when marshalled.
type storedQuestion struct {
	Question   string `json:"question"`
	AnswerHash string `json:"answer_hash"`
}

func encodeQuestions(qs []SecurityQuestion) ([]byte, error) {
	stored := make([]storedQuestion, len(qs))
	for i, q := range qs {
		stored[i] = storedQuestion{Question: q.Question, AnswerHash: q.AnswerHash}
	}
	return json.Marshal(stored)
}

func decodeQuestions(raw []byte) ([]SecurityQuestion, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var stored []storedQuestion
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode security questions: %w", err)
	}
	out := make([]SecurityQuestion, len(stored))
	for i, q := range stored {
		out[i] = SecurityQuestion{Question: q.Question, AnswerHash: q.AnswerHash}
	}
	return out, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	questions, err := encodeQuestions(u.SecurityQuestions)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.AccountType,
		u.Authorized, u.ApprovalDate, u.DenialDate, questions,
		nullIfEmpty(u.AdminResetToken), u.AdminResetExpiry, nullIfEmpty(u.TempResetCode), u.TempCodeExpiry,
		u.CreatedAt, u.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (r *userRepoPG) GetByResetToken(ctx context.Context, tokenHash string) (*User, error) {
	return r.scanUser(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE admin_reset_token = $1`, tokenHash))
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	questions, err := encodeQuestions(u.SecurityQuestions)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET
			email = $2, password_hash = $3, first_name = $4, last_name = $5,
			account_type = $6, authorized = $7, approval_date = $8, denial_date = $9,
			security_questions = $10, admin_reset_token = $11, admin_reset_expiry = $12,
			temp_reset_code = $13, temp_code_expiry = $14, updated_at = $15
		WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName,
		u.AccountType, u.Authorized, u.ApprovalDate, u.DenialDate,
		questions, nullIfEmpty(u.AdminResetToken), u.AdminResetExpiry,
		nullIfEmpty(u.TempResetCode), u.TempCodeExpiry, u.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func filterClause(f UserFilter) string {
	switch f {
	case FilterPending:
		return `WHERE authorized = FALSE AND denial_date IS NULL`
	case FilterApproved:
		return `WHERE authorized = TRUE`
	case FilterDenied:
		return `WHERE authorized = FALSE AND denial_date IS NOT NULL`
	default:
		return ``
	}
}

func (r *userRepoPG) List(ctx context.Context, filter UserFilter, limit, offset int) ([]*User, int, error) {
	where := filterClause(filter)

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM users `+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+userColumns+` FROM users `+where+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var (
		u          User
		questions  []byte
		resetToken *string
		tempCode   *string
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.AccountType,
		&u.Authorized, &u.ApprovalDate, &u.DenialDate, &questions,
		&resetToken, &u.AdminResetExpiry, &tempCode, &u.TempCodeExpiry,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if u.SecurityQuestions, err = decodeQuestions(questions); err != nil {
		return nil, err
	}
	if resetToken != nil {
		u.AdminResetToken = *resetToken
	}
	if tempCode != nil {
		u.TempResetCode = *tempCode
	}
	return &u, nil
}

// -- Admin Repository --

type adminRepoPG struct {
	pool *pgxpool.Pool
}

func NewAdminRepoPG(pool *pgxpool.Pool) AdminRepository {
	return &adminRepoPG{pool: pool}
}

const adminColumns = `id, user_id, first_name, last_name, email, created_at`

func (r *adminRepoPG) Create(ctx context.Context, a *Admin) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO admins (`+adminColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.FirstName, a.LastName, a.Email, a.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyAdmin
	}
	return err
}

func (r *adminRepoPG) GetByUserID(ctx context.Context, userID uuid.UUID) (*Admin, error) {
	var a Admin
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+adminColumns+` FROM admins WHERE user_id = $1`, userID).
		Scan(&a.ID, &a.UserID, &a.FirstName, &a.LastName, &a.Email, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *adminRepoPG) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM admins WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdminNotFound
	}
	return nil
}

func (r *adminRepoPG) List(ctx context.Context, limit, offset int) ([]*Admin, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+adminColumns+` FROM admins ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var admins []*Admin
	for rows.Next() {
		var a Admin
		if err := rows.Scan(&a.ID, &a.UserID, &a.FirstName, &a.LastName, &a.Email, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		admins = append(admins, &a)
	}
	return admins, total, rows.Err()
}

func (r *adminRepoPG) Count(ctx context.Context) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM admins`).Scan(&n)
	return n, err
}

// -- Settings Repository --

type settingsRepoPG struct {
	pool *pgxpool.Pool
}

func NewSettingsRepoPG(pool *pgxpool.Pool) SettingsRepository {
	return &settingsRepoPG{pool: pool}
}

func (r *settingsRepoPG) Get(ctx context.Context) (*Settings, error) {
	var s Settings
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT is_admin_created, updated_at FROM settings WHERE id = 1`).Scan(&s.IsAdminCreated, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsAbsent
		}
		return nil, err
	}
	return &s, nil
}

func (r *settingsRepoPG) ClaimAdminCreation(ctx context.Context) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE settings SET is_admin_created = TRUE, updated_at = $1
		WHERE id = 1 AND is_admin_created = FALSE`, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *settingsRepoPG) ReleaseAdminCreation(ctx context.Context) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE settings SET is_admin_created = FALSE, updated_at = $1 WHERE id = 1`, time.Now().UTC())
	return err
}
