package repo

import (
	"context"
	"database/sql"

	"pkgboard/internal/domain"
)

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignment(pkg,assignee,assigned_at) VALUES (?,?,?)`,
		a.Pkg, nullableInt64Ptr(a.Assignee), a.AssignedAt)
	return err
}

func scanAssignment(row *sql.Row) (domain.Assignment, error) {
	var a domain.Assignment
	var assignee sql.NullInt64
	err := row.Scan(&a.ID, &a.Pkg, &assignee, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if assignee.Valid {
		a.Assignee = &assignee.Int64
	}
	return a, err
}

// LatestAssignment returns the newest assignment row for a package,
// including the NULL-assignee sentinel written by unassign.
func (r Repo) LatestAssignment(ctx context.Context, pkg int64) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx,
		`SELECT id,pkg,assignee,assigned_at FROM assignment WHERE pkg=? ORDER BY assigned_at DESC, id DESC LIMIT 1`, pkg))
}

func (r Repo) LatestAssignmentTx(ctx context.Context, tx *sql.Tx, pkg int64) (domain.Assignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx,
		`SELECT id,pkg,assignee,assigned_at FROM assignment WHERE pkg=? ORDER BY assigned_at DESC, id DESC LIMIT 1`, pkg))
}

func (r Repo) ListAssignments(ctx context.Context, pkg int64) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,pkg,assignee,assigned_at FROM assignment WHERE pkg=? ORDER BY assigned_at DESC, id DESC`, pkg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var assignee sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Pkg, &assignee, &a.AssignedAt); err != nil {
			return nil, err
		}
		if assignee.Valid {
			a.Assignee = &assignee.Int64
		}
		res = append(res, a)
	}
	return res, nil
}

// WorkingList returns every package whose current assignment row has a
// non-NULL assignee, with the assignee's alias joined in.
func (r Repo) WorkingList(ctx context.Context) ([]domain.WorkListUnit, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.pkg, p.name, a.assignee, pk.alias, a.assigned_at
FROM assignment a
JOIN pkg p ON p.id = a.pkg
JOIN packager pk ON pk.tg_uid = a.assignee
WHERE a.id = (
    SELECT id FROM assignment
    WHERE pkg = a.pkg
    ORDER BY assigned_at DESC, id DESC
    LIMIT 1
)
ORDER BY a.assigned_at DESC, a.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkListUnit
	for rows.Next() {
		var u domain.WorkListUnit
		var assignee sql.NullInt64
		if err := rows.Scan(&u.Pkg, &u.PkgName, &assignee, &u.Alias, &u.AssignedAt); err != nil {
			return nil, err
		}
		if assignee.Valid {
			u.Assignee = &assignee.Int64
		}
		res = append(res, u)
	}
	return res, nil
}
