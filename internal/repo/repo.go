package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"archiflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const contractColumns = `id,client_name,start_date,end_date,value,status,COALESCE(description,'') AS description,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (domain.Contract, error) {
	var c domain.Contract
	err := row.Scan(&c.ID, &c.ClientName, &c.StartDate, &c.EndDate, &c.Value, &c.Status, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) AddContract(ctx context.Context, c domain.Contract) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO contracts(id,client_name,start_date,end_date,value,status,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ClientName, c.StartDate, c.EndDate, c.Value, c.Status, nullable(c.Description), c.CreatedAt, c.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("contract %s: %w", c.ID, ErrDuplicate)
	}
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

// UpdateContract overwrites every mutable column of the stored row.
func (r Repo) UpdateContract(ctx context.Context, c domain.Contract) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contracts SET client_name=?,start_date=?,end_date=?,value=?,status=?,description=?,updated_at=? WHERE id=?`,
		c.ClientName, c.StartDate, c.EndDate, c.Value, c.Status, nullable(c.Description), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteContract(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM contracts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListContracts returns all contracts, newest first.
func (r Repo) ListContracts(ctx context.Context) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) TotalValue(ctx context.Context) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(value),0) FROM contracts`).Scan(&total)
	return total, err
}

// CountByStatus groups contracts by their stored status text.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM contracts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
