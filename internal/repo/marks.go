package repo

import (
	"context"
	"database/sql"

	"pkgboard/internal/domain"
)

func (r Repo) InsertMarkTx(ctx context.Context, tx *sql.Tx, m domain.Mark) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO mark(name,marked_by,marked_at,msg_id,comment,for_pkg) VALUES (?,?,?,?,?,?)`,
		m.Name, nullableInt64Ptr(m.MarkedBy), m.MarkedAt, m.MsgID, nullableStringPtr(m.Comment), nullableInt64Ptr(m.ForPkg))
	return err
}

func scanMarkRows(rows *sql.Rows) ([]domain.Mark, error) {
	var res []domain.Mark
	for rows.Next() {
		var m domain.Mark
		var markedBy, forPkg sql.NullInt64
		var comment sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &markedBy, &m.MarkedAt, &m.MsgID, &comment, &forPkg); err != nil {
			return nil, err
		}
		if markedBy.Valid {
			m.MarkedBy = &markedBy.Int64
		}
		if comment.Valid {
			m.Comment = &comment.String
		}
		if forPkg.Valid {
			m.ForPkg = &forPkg.Int64
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMarks(ctx context.Context, pkg int64) ([]domain.Mark, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,marked_by,marked_at,msg_id,comment,for_pkg FROM mark WHERE for_pkg=? ORDER BY id`, pkg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMarkRows(rows)
}

func (r Repo) ListAllMarks(ctx context.Context) ([]domain.Mark, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,marked_by,marked_at,msg_id,comment,for_pkg FROM mark ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMarkRows(rows)
}

func (r Repo) CountMarks(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM mark`).Scan(&n)
	return n, err
}

// MarkList groups marks per package for the board view. Packages with
// no marks are omitted.
func (r Repo) MarkList(ctx context.Context) ([]domain.MarkListUnit, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT m.id, m.name, m.marked_by, m.marked_at, m.msg_id, m.comment, m.for_pkg, p.name
FROM mark m
JOIN pkg p ON p.id = m.for_pkg
ORDER BY m.for_pkg, m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MarkListUnit
	for rows.Next() {
		var m domain.Mark
		var markedBy, forPkg sql.NullInt64
		var comment sql.NullString
		var pkgName string
		if err := rows.Scan(&m.ID, &m.Name, &markedBy, &m.MarkedAt, &m.MsgID, &comment, &forPkg, &pkgName); err != nil {
			return nil, err
		}
		if markedBy.Valid {
			m.MarkedBy = &markedBy.Int64
		}
		if comment.Valid {
			m.Comment = &comment.String
		}
		if forPkg.Valid {
			m.ForPkg = &forPkg.Int64
		}
		if len(res) == 0 || res[len(res)-1].Pkg != *m.ForPkg {
			res = append(res, domain.MarkListUnit{Pkg: *m.ForPkg, PkgName: pkgName})
		}
		res[len(res)-1].Marks = append(res[len(res)-1].Marks, m)
	}
	return res, rows.Err()
}
