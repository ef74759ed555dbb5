package repo

import (
	"context"
	"database/sql"
	"errors"

	"pkgboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) UpsertPackagerTx(ctx context.Context, tx *sql.Tx, p domain.Packager) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO packager(tg_uid,alias) VALUES (?,?)
ON CONFLICT(tg_uid) DO UPDATE SET alias=excluded.alias`, p.TgUID, p.Alias)
	return err
}

func (r Repo) GetPackager(ctx context.Context, tgUID int64) (domain.Packager, error) {
	var p domain.Packager
	err := r.DB.QueryRowContext(ctx, `SELECT tg_uid,alias FROM packager WHERE tg_uid=?`, tgUID).
		Scan(&p.TgUID, &p.Alias)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPackagerTx(ctx context.Context, tx *sql.Tx, tgUID int64) (domain.Packager, error) {
	var p domain.Packager
	err := tx.QueryRowContext(ctx, `SELECT tg_uid,alias FROM packager WHERE tg_uid=?`, tgUID).
		Scan(&p.TgUID, &p.Alias)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) PackagerExistsTx(ctx context.Context, tx *sql.Tx, tgUID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM packager WHERE tg_uid=?`, tgUID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListPackagers(ctx context.Context) ([]domain.Packager, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tg_uid,alias FROM packager ORDER BY alias, tg_uid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Packager
	for rows.Next() {
		var p domain.Packager
		if err := rows.Scan(&p.TgUID, &p.Alias); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpsertPackageTx(ctx context.Context, tx *sql.Tx, p domain.Package) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pkg(id,name) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, p.ID, p.Name)
	return err
}

func (r Repo) GetPackage(ctx context.Context, id int64) (domain.Package, error) {
	var p domain.Package
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM pkg WHERE id=?`, id).
		Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPackageTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Package, error) {
	var p domain.Package
	err := tx.QueryRowContext(ctx, `SELECT id,name FROM pkg WHERE id=?`, id).
		Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPackageByName(ctx context.Context, name string) (domain.Package, error) {
	var p domain.Package
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM pkg WHERE name=? ORDER BY id LIMIT 1`, name).
		Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPackageByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Package, error) {
	var p domain.Package
	err := tx.QueryRowContext(ctx, `SELECT id,name FROM pkg WHERE name=? ORDER BY id LIMIT 1`, name).
		Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) PackageExistsTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM pkg WHERE id=?`, id).Scan(&n)
	return n > 0, err
}

func (r Repo) ListPackages(ctx context.Context) ([]domain.Package, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM pkg ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		var p domain.Package
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
