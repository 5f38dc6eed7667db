package admin

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/medflow/medflow/internal/domain/identity"
)

const (
	exportSheet    = "Users"
	exportPageSize = 500
	// ExportContentType is the MIME type of the users workbook.
	ExportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var exportHeader = []interface{}{
	"id",
	"email",
	"first_name",
	"last_name",
	"account_type",
	"status",
	"is_admin",
	"approval_date",
	"denial_date",
	"created_at",
}

// ExportUsers renders every user into an xlsx workbook, one row per user.
func (s *Service) ExportUsers(ctx context.Context) ([]byte, error) {
	adminIDs, err := s.adminUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), exportSheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	row := 2
	for offset := 0; ; offset += exportPageSize {
		users, total, err := s.users.List(ctx, identity.FilterAll, exportPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, u := range users {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return nil, err
			}
			values := []interface{}{
				u.ID.String(),
				u.Email,
				u.FirstName,
				u.LastName,
				u.AccountType,
				u.Status(),
				yesNo(adminIDs[u.ID]),
				formatDate(u.ApprovalDate),
				formatDate(u.DenialDate),
				u.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
				return nil, fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
		if len(users) == 0 || offset+len(users) >= total {
			break
		}
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) adminUserIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	ids := make(map[uuid.UUID]bool)
	for offset := 0; ; offset += exportPageSize {
		admins, total, err := s.admins.List(ctx, exportPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list admins: %w", err)
		}
		for _, a := range admins {
			ids[a.UserID] = true
		}
		if len(admins) == 0 || offset+len(admins) >= total {
			return ids, nil
		}
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
