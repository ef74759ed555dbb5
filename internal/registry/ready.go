package registry

import (
	"context"
	"errors"
	"sort"

	"pkgboard/internal/domain"
	"pkgboard/internal/repo"
)

// ReadyReport is the derived readiness of a package. Blockers lists the
// packages whose unresolved blocking relations hold this one back,
// direct and transitive, deduplicated and sorted.
type ReadyReport struct {
	Pkg      int64   `json:"pkg"`
	Ready    bool    `json:"ready"`
	Blockers []int64 `json:"blockers,omitempty"`
}

// Ready computes readiness from the relation graph. A package is ready
// when it has no unresolved blocking relation, directly or through the
// packages it depends on. A cycle among blocking relations is reported
// as ErrCyclicDependency rather than looping.
func (g Registry) Ready(ctx context.Context, pkg int64) (ReadyReport, error) {
	if _, err := g.Repo.GetPackage(ctx, pkg); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ReadyReport{}, domain.ErrUnknownPackage
		}
		return ReadyReport{}, err
	}
	edges, err := g.blockingEdges(ctx)
	if err != nil {
		return ReadyReport{}, err
	}

	blockers := map[int64]bool{}
	visited := map[int64]bool{}
	onStack := map[int64]bool{}

	var walk func(id int64) error
	walk = func(id int64) error {
		if onStack[id] {
			return domain.ErrCyclicDependency
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = true
		for _, required := range edges[id] {
			blockers[required] = true
			if err := walk(required); err != nil {
				return err
			}
		}
		onStack[id] = false
		return nil
	}
	if err := walk(pkg); err != nil {
		return ReadyReport{}, err
	}

	report := ReadyReport{Pkg: pkg, Ready: len(blockers) == 0}
	for id := range blockers {
		report.Blockers = append(report.Blockers, id)
	}
	sort.Slice(report.Blockers, func(i, j int) bool { return report.Blockers[i] < report.Blockers[j] })
	return report, nil
}

func (g Registry) blockingEdges(ctx context.Context) (map[int64][]int64, error) {
	relations, err := g.Repo.ListRelations(ctx)
	if err != nil {
		return nil, err
	}
	cfg := g.cfg()
	edges := map[int64][]int64{}
	for _, rel := range relations {
		if !cfg.BlockingStatus(rel.Status) {
			continue
		}
		edges[rel.Request] = append(edges[rel.Request], rel.Required)
	}
	return edges, nil
}

// StatusReport combines assignment and readiness into one projection.
type StatusReport struct {
	Pkg      domain.Package       `json:"pkg"`
	Status   domain.PackageStatus `json:"status"`
	Assignee *domain.Packager     `json:"assignee,omitempty"`
	Blockers []int64              `json:"blockers,omitempty"`
	Marks    []domain.Mark        `json:"marks,omitempty"`
}

// Status derives a package's state: blocked wins over assigned, which
// wins over ready and unassigned.
func (g Registry) Status(ctx context.Context, pkg int64) (StatusReport, error) {
	p, err := g.Repo.GetPackage(ctx, pkg)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return StatusReport{}, domain.ErrUnknownPackage
		}
		return StatusReport{}, err
	}
	report := StatusReport{Pkg: p}

	ready, err := g.Ready(ctx, pkg)
	if err != nil {
		return StatusReport{}, err
	}
	report.Blockers = ready.Blockers

	assignee, err := g.CurrentAssignee(ctx, pkg)
	if err != nil {
		return StatusReport{}, err
	}
	report.Assignee = assignee

	marks, err := g.Repo.ListMarks(ctx, pkg)
	if err != nil {
		return StatusReport{}, err
	}
	report.Marks = marks

	switch {
	case !ready.Ready:
		report.Status = domain.StatusBlocked
	case assignee != nil:
		report.Status = domain.StatusAssigned
	default:
		report.Status = domain.StatusReady
	}
	if assignee == nil && ready.Ready && len(marks) == 0 {
		report.Status = domain.StatusUnassigned
	}
	return report, nil
}
