package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pkgboard/internal/config"
	"pkgboard/internal/domain"
	"pkgboard/internal/events"
	"pkgboard/internal/repo"
)

type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Registry {
	return Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Registry) cfg() *config.Config {
	if g.Config != nil {
		return g.Config
	}
	return config.Default("default")
}

// UpsertPackager registers a packager or renames an existing one.
func (g Registry) UpsertPackager(ctx context.Context, p domain.Packager, actorID string) (domain.Packager, error) {
	if p.Alias == "" {
		return domain.Packager{}, errors.New("alias is required")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Packager{}, err
	}
	defer tx.Rollback()

	if err := g.Repo.UpsertPackagerTx(ctx, tx, p); err != nil {
		return domain.Packager{}, fmt.Errorf("upsert packager: %w", err)
	}
	if err := g.Events.Append(ctx, tx, "packager.upserted", "packager", fmt.Sprint(p.TgUID), actorID, events.EventPayload{"alias": p.Alias}); err != nil {
		return domain.Packager{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Packager{}, err
	}
	return p, nil
}

// UpsertPackage registers a package or renames an existing one.
func (g Registry) UpsertPackage(ctx context.Context, p domain.Package, actorID string) (domain.Package, error) {
	if p.Name == "" {
		return domain.Package{}, errors.New("name is required")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Package{}, err
	}
	defer tx.Rollback()

	if err := g.Repo.UpsertPackageTx(ctx, tx, p); err != nil {
		return domain.Package{}, fmt.Errorf("upsert package: %w", err)
	}
	if err := g.Events.Append(ctx, tx, "pkg.upserted", "pkg", fmt.Sprint(p.ID), actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Package{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Package{}, err
	}
	return p, nil
}

// Assign appends an assignment row. The newest row wins; earlier
// assignments stay in history.
func (g Registry) Assign(ctx context.Context, pkg, assignee int64, at int64, actorID string) (domain.Assignment, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	if ok, err := g.Repo.PackageExistsTx(ctx, tx, pkg); err != nil {
		return domain.Assignment{}, err
	} else if !ok {
		return domain.Assignment{}, domain.ErrUnknownPackage
	}
	if ok, err := g.Repo.PackagerExistsTx(ctx, tx, assignee); err != nil {
		return domain.Assignment{}, err
	} else if !ok {
		return domain.Assignment{}, domain.ErrUnknownPackager
	}
	if at == 0 {
		at = g.now().Unix()
	}
	a := domain.Assignment{Pkg: pkg, Assignee: &assignee, AssignedAt: at}
	if err := g.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := g.Events.Append(ctx, tx, "pkg.assigned", "pkg", fmt.Sprint(pkg), actorID, events.EventPayload{
		"assignee":    assignee,
		"assigned_at": at,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// Unassign appends a NULL-assignee sentinel row so history is preserved.
func (g Registry) Unassign(ctx context.Context, pkg int64, at int64, actorID string) (domain.Assignment, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	if ok, err := g.Repo.PackageExistsTx(ctx, tx, pkg); err != nil {
		return domain.Assignment{}, err
	} else if !ok {
		return domain.Assignment{}, domain.ErrUnknownPackage
	}
	if at == 0 {
		at = g.now().Unix()
	}
	a := domain.Assignment{Pkg: pkg, AssignedAt: at}
	if err := g.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := g.Events.Append(ctx, tx, "pkg.unassigned", "pkg", fmt.Sprint(pkg), actorID, events.EventPayload{"assigned_at": at}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// CurrentAssignee resolves the package's current assignee, or nil when
// the package was never assigned or last unassigned.
func (g Registry) CurrentAssignee(ctx context.Context, pkg int64) (*domain.Packager, error) {
	if _, err := g.Repo.GetPackage(ctx, pkg); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.ErrUnknownPackage
		}
		return nil, err
	}
	a, err := g.Repo.LatestAssignment(ctx, pkg)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Assignee == nil {
		return nil, nil
	}
	p, err := g.Repo.GetPackager(ctx, *a.Assignee)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkOptions are parameters for recording a mark. ForPkg and MarkedBy
// are optional; when set, the referenced rows must exist.
type MarkOptions struct {
	Name     string
	ForPkg   *int64
	MarkedBy *int64
	MarkedAt int64
	MsgID    int64
	Comment  string
	ActorID  string
}

// RecordMark appends a mark to the audit log. Marks are never updated
// or deleted once written.
func (g Registry) RecordMark(ctx context.Context, opts MarkOptions) (domain.Mark, error) {
	if opts.Name == "" {
		return domain.Mark{}, errors.New("mark name is required")
	}
	if !g.cfg().KnownMark(opts.Name) {
		return domain.Mark{}, fmt.Errorf("%w: unknown mark %s", domain.ErrConstraintViolation, opts.Name)
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mark{}, err
	}
	defer tx.Rollback()

	if opts.ForPkg != nil {
		if ok, err := g.Repo.PackageExistsTx(ctx, tx, *opts.ForPkg); err != nil {
			return domain.Mark{}, err
		} else if !ok {
			return domain.Mark{}, domain.ErrUnknownPackage
		}
	}
	if opts.MarkedBy != nil {
		if ok, err := g.Repo.PackagerExistsTx(ctx, tx, *opts.MarkedBy); err != nil {
			return domain.Mark{}, err
		} else if !ok {
			return domain.Mark{}, domain.ErrUnknownPackager
		}
	}
	if opts.MarkedAt == 0 {
		opts.MarkedAt = g.now().Unix()
	}
	m := domain.Mark{
		Name:     opts.Name,
		MarkedBy: opts.MarkedBy,
		MarkedAt: opts.MarkedAt,
		MsgID:    opts.MsgID,
		ForPkg:   opts.ForPkg,
	}
	if opts.Comment != "" {
		m.Comment = &opts.Comment
	}
	if err := g.Repo.InsertMarkTx(ctx, tx, m); err != nil {
		return domain.Mark{}, fmt.Errorf("insert mark: %w", err)
	}
	entityID := ""
	if opts.ForPkg != nil {
		entityID = fmt.Sprint(*opts.ForPkg)
	}
	payload := events.EventPayload{
		"name":   opts.Name,
		"msg_id": opts.MsgID,
	}
	if opts.MarkedBy != nil {
		payload["marked_by"] = *opts.MarkedBy
	}
	if err := g.Events.Append(ctx, tx, "pkg.marked", "pkg", entityID, opts.ActorID, payload); err != nil {
		return domain.Mark{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mark{}, err
	}
	return m, nil
}

// AddRelation records that request depends on required. The pair is
// unique; a second call overwrites the status.
func (g Registry) AddRelation(ctx context.Context, rel domain.Relation, actorID string) (domain.Relation, error) {
	if rel.Status == "" {
		return domain.Relation{}, errors.New("relation status is required")
	}
	if rel.Request == rel.Required {
		return domain.Relation{}, domain.ErrSelfDependency
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Relation{}, err
	}
	defer tx.Rollback()

	if ok, err := g.Repo.PackageExistsTx(ctx, tx, rel.Request); err != nil {
		return domain.Relation{}, err
	} else if !ok {
		return domain.Relation{}, domain.ErrUnknownPackage
	}
	if ok, err := g.Repo.PackageExistsTx(ctx, tx, rel.Required); err != nil {
		return domain.Relation{}, err
	} else if !ok {
		return domain.Relation{}, domain.ErrUnknownPackage
	}
	if err := g.Repo.UpsertRelationTx(ctx, tx, rel); err != nil {
		return domain.Relation{}, fmt.Errorf("upsert relation: %w", err)
	}
	if err := g.Events.Append(ctx, tx, "relation.added", "pkg", fmt.Sprint(rel.Request), actorID, events.EventPayload{
		"required": rel.Required,
		"status":   rel.Status,
	}); err != nil {
		return domain.Relation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Relation{}, err
	}
	return rel, nil
}

// ResolveRelation deletes the edge between request and required. A
// missing edge is a no-op and appends no event.
func (g Registry) ResolveRelation(ctx context.Context, request, required int64, actorID string) error {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := g.Repo.DeleteRelationTx(ctx, tx, request, required); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := g.Events.Append(ctx, tx, "relation.resolved", "pkg", fmt.Sprint(request), actorID, events.EventPayload{
		"required": required,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseResult reports what a release touched.
type ReleaseResult struct {
	Pkg        domain.Package
	Assignee   *domain.Packager
	MarkedDone bool
}

// ReleasePackage closes out a package by name: unassigns it, resolves
// relations other packages held on it, and appends a released mark.
// The status must be one of the configured release statuses.
func (g Registry) ReleasePackage(ctx context.Context, pkgName, status string, actorID string) (ReleaseResult, error) {
	if !g.cfg().ReleaseStatus(status) {
		return ReleaseResult{}, fmt.Errorf("%w: release status %s", domain.ErrConstraintViolation, status)
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback()

	p, err := g.Repo.GetPackageByNameTx(ctx, tx, pkgName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ReleaseResult{}, domain.ErrUnknownPackage
		}
		return ReleaseResult{}, err
	}

	var res ReleaseResult
	res.Pkg = p

	a, err := g.Repo.LatestAssignmentTx(ctx, tx, p.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ReleaseResult{}, err
	}
	if err == nil && a.Assignee != nil {
		pk, err := g.Repo.GetPackagerTx(ctx, tx, *a.Assignee)
		if err == nil {
			res.Assignee = &pk
		} else if !errors.Is(err, repo.ErrNotFound) {
			return ReleaseResult{}, err
		}
	}

	now := g.now().Unix()
	if err := g.Repo.InsertAssignmentTx(ctx, tx, domain.Assignment{Pkg: p.ID, AssignedAt: now}); err != nil {
		return ReleaseResult{}, err
	}

	// Packages waiting on this one are unblocked.
	if err := g.Repo.DeleteRelationsRequiringTx(ctx, tx, p.ID); err != nil {
		return ReleaseResult{}, err
	}

	m := domain.Mark{Name: "released", MarkedAt: now, ForPkg: &p.ID}
	if res.Assignee != nil {
		m.MarkedBy = &res.Assignee.TgUID
	}
	if err := g.Repo.InsertMarkTx(ctx, tx, m); err != nil {
		return ReleaseResult{}, err
	}
	res.MarkedDone = true

	if err := g.Events.Append(ctx, tx, "pkg.released", "pkg", fmt.Sprint(p.ID), actorID, events.EventPayload{
		"name":   p.Name,
		"status": status,
	}); err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	return res, nil
}

// Board is the combined working and mark view served on /pkg.
type Board struct {
	WorkList []domain.WorkListUnit `json:"workList"`
	MarkList []domain.MarkListUnit `json:"markList"`
}

func (g Registry) Board(ctx context.Context) (Board, error) {
	workList, err := g.Repo.WorkingList(ctx)
	if err != nil {
		return Board{}, err
	}
	markList, err := g.Repo.MarkList(ctx)
	if err != nil {
		return Board{}, err
	}
	if workList == nil {
		workList = []domain.WorkListUnit{}
	}
	if markList == nil {
		markList = []domain.MarkListUnit{}
	}
	return Board{WorkList: workList, MarkList: markList}, nil
}
