package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/medflow/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, tx: db.NewTransactor(pool)}
}

const patientColumns = `id, first_name, last_name, date_of_birth, gender, phone, email, location,
	language, status, chief_complaint, telegram_chat_id, photo_keys, notes, rx_orders,
	version, created_at, updated_at`

// jsonArray encodes a slice for a NOT NULL JSONB array column.
func jsonArray(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

type encodedPatient struct {
	photoKeys []byte
	notes     []byte
	rxOrders  []byte
}

func encodeEmbedded(p *Patient) (encodedPatient, error) {
	var (
		e   encodedPatient
		err error
	)
	if e.photoKeys, err = jsonArray(p.PhotoKeys); err != nil {
		return e, fmt.Errorf("encode photo keys: %w", err)
	}
	if e.notes, err = jsonArray(p.Notes); err != nil {
		return e, fmt.Errorf("encode notes: %w", err)
	}
	if e.rxOrders, err = jsonArray(p.RxOrders); err != nil {
		return e, fmt.Errorf("encode rx orders: %w", err)
	}
	return e, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	e, err := encodeEmbedded(p)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.FirstName, p.LastName, p.DateOfBirth, p.Gender, p.Phone, p.Email, p.Location,
		p.Language, p.Status, p.ChiefComplaint, p.TelegramChatID, e.photoKeys, e.notes, e.rxOrders,
		p.Version, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern. Backslash is the
// default LIKE escape character in Postgres.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d OR (first_name || ' ' || last_name) ILIKE $%d)", n, n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM patients `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+patientColumns+` FROM patients %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

// Mutate locks the row for the length of the transaction.
func (r *repoPG) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Patient, error) {
	var out *Patient
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
			`SELECT `+patientColumns+` FROM patients WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.Version++
		p.UpdatedAt = time.Now().UTC()

		e, err := encodeEmbedded(p)
		if err != nil {
			return err
		}
		_, err = db.Conn(ctx, r.pool).Exec(ctx, `
			UPDATE patients SET
				first_name = $2, last_name = $3, date_of_birth = $4, gender = $5, phone = $6,
				email = $7, location = $8, language = $9, status = $10, chief_complaint = $11,
				telegram_chat_id = $12, photo_keys = $13, notes = $14, rx_orders = $15,
				version = $16, updated_at = $17
			WHERE id = $1`,
			p.ID, p.FirstName, p.LastName, p.DateOfBirth, p.Gender, p.Phone,
			p.Email, p.Location, p.Language, p.Status, p.ChiefComplaint,
			p.TelegramChatID, e.photoKeys, e.notes, e.rxOrders,
			p.Version, p.UpdatedAt,
		)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) FindByRxOrder(ctx context.Context, orderID uuid.UUID) (*Patient, error) {
	contains, err := json.Marshal([]map[string]string{{"id": orderID.String()}})
	if err != nil {
		return nil, err
	}
	return r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE rx_orders @> $1::jsonb LIMIT 1`, string(contains)))
}

func (r *repoPG) GetByTelegramChat(ctx context.Context, chatID int64) (*Patient, error) {
	return r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE telegram_chat_id = $1 ORDER BY updated_at DESC LIMIT 1`, chatID))
}

func (r *repoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p                          Patient
		photoKeys, notes, rxOrders []byte
	)
	err := row.Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Gender, &p.Phone, &p.Email, &p.Location,
		&p.Language, &p.Status, &p.ChiefComplaint, &p.TelegramChatID, &photoKeys, &notes, &rxOrders,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(photoKeys, &p.PhotoKeys); err != nil {
		return nil, fmt.Errorf("decode photo keys: %w", err)
	}
	if err := json.Unmarshal(notes, &p.Notes); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	if err := json.Unmarshal(rxOrders, &p.RxOrders); err != nil {
		return nil, fmt.Errorf("decode rx orders: %w", err)
	}
	return &p, nil
}
