package repo

import (
	"context"
	"database/sql"

	"pkgboard/internal/domain"
)

// UpsertRelationTx records a dependency edge. One row per ordered pair;
// a second write for the same pair overwrites the status.
func (r Repo) UpsertRelationTx(ctx context.Context, tx *sql.Tx, rel domain.Relation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pkg_relation(status,required,request) VALUES (?,?,?)
ON CONFLICT(request,required) DO UPDATE SET status=excluded.status`, rel.Status, rel.Required, rel.Request)
	return err
}

func (r Repo) DeleteRelationTx(ctx context.Context, tx *sql.Tx, request, required int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pkg_relation WHERE request=? AND required=?`, request, required)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRelationsRequiringTx drops every edge that waits on the given
// package. Used when the package is released.
func (r Repo) DeleteRelationsRequiringTx(ctx context.Context, tx *sql.Tx, required int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pkg_relation WHERE required=?`, required)
	return err
}

func (r Repo) ListRelationsFrom(ctx context.Context, request int64) ([]domain.Relation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status,required,request FROM pkg_relation WHERE request=? ORDER BY required`, request)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationRows(rows)
}

func (r Repo) ListRelations(ctx context.Context) ([]domain.Relation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status,required,request FROM pkg_relation ORDER BY request, required`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationRows(rows)
}

func scanRelationRows(rows *sql.Rows) ([]domain.Relation, error) {
	var res []domain.Relation
	for rows.Next() {
		var rel domain.Relation
		if err := rows.Scan(&rel.Status, &rel.Required, &rel.Request); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}
