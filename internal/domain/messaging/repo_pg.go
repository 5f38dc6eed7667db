package messaging

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

type threadRepoPG struct {
	pool *pgxpool.Pool
}

func NewThreadRepoPG(pool *pgxpool.Pool) ThreadRepository {
	return &threadRepoPG{pool: pool}
}

const threadColumns = `id, chat_id, patient_id, username, first_name, language, messages, created_at, updated_at`

func (r *threadRepoPG) GetByChatID(ctx context.Context, chatID int64) (*Thread, error) {
	return r.scanThread(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+threadColumns+` FROM telegram_threads WHERE chat_id = $1`, chatID))
}

func (r *threadRepoPG) List(ctx context.Context, limit, offset int) ([]*Thread, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM telegram_threads`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+threadColumns+` FROM telegram_threads ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := r.scanThread(rows)
		if err != nil {
			return nil, 0, err
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

// AppendMessage upserts the thread and concatenates msg onto its JSONB
// message array in one statement.
func (r *threadRepoPG) AppendMessage(ctx context.Context, who Participant, msg Message) (*Thread, error) {
	encoded, err := json.Marshal([]Message{msg})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	now := time.Now().UTC()
	return r.scanThread(db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO telegram_threads (id, chat_id, username, first_name, language, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7)
		ON CONFLICT (chat_id) DO UPDATE SET
			messages   = telegram_threads.messages || EXCLUDED.messages,
			username   = COALESCE(NULLIF(EXCLUDED.username, ''), telegram_threads.username),
			first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), telegram_threads.first_name),
			language   = COALESCE(NULLIF(EXCLUDED.language, ''), telegram_threads.language),
			updated_at = EXCLUDED.updated_at
		RETURNING `+threadColumns,
		uuid.New(), who.ChatID, who.Username, who.FirstName, who.Language, string(encoded), now,
	))
}

func (r *threadRepoPG) LinkPatient(ctx context.Context, chatID int64, patientID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO telegram_threads (id, chat_id, patient_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (chat_id) DO UPDATE SET patient_id = EXCLUDED.patient_id, updated_at = EXCLUDED.updated_at`,
		uuid.New(), chatID, patientID, time.Now().UTC(),
	)
	return err
}

func (r *threadRepoPG) scanThread(row pgx.Row) (*Thread, error) {
	var (
		t        Thread
		messages []byte
	)
	err := row.Scan(&t.ID, &t.ChatID, &t.PatientID, &t.Username, &t.FirstName, &t.Language,
		&messages, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(messages, &t.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return &t, nil
}
