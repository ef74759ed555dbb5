package registry_test

import (
	"errors"
	"testing"

	"pkgboard/internal/domain"
)

func TestReadyNoRelations(t *testing.T) {
	env := newTestEnv(t)
	seedPackage(t, env, 7, "libfoo")
	r, err := env.Registry.Ready(env.Ctx, 7)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !r.Ready || len(r.Blockers) != 0 {
		t.Fatalf("expected ready with no blockers, got %+v", r)
	}
}

func TestReadyUnknownPackage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Registry.Ready(env.Ctx, 404); !errors.Is(err, domain.ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
}

func TestReadyBlockedThenResolved(t *testing.T) {
	env := newTestEnv(t)
	seedPackage(t, env, 1, "libfoo")
	seedPackage(t, env, 2, "libbar")

	if _, err := env.Registry.AddRelation(env.Ctx, domain.Relation{
		Status: domain.RelationMissingDep, Request: 1, Required: 2,
	}, "tester"); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	r, err := env.Registry.Ready(env.Ctx, 1)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if r.Ready {
		t.Fatalf("expected blocked")
	}
	if len(r.Blockers) != 1 || r.Blockers[0] != 2 {
		t.Fatalf("expected blocker 2, got %v", r.Blockers)
	}

	if err := env.Registry.ResolveRelation(env.Ctx, 1, 2, "tester"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r, err = env.Registry.Ready(env.Ctx, 1)
	if err != nil {
		t.Fatalf("ready after resolve: %v", err)
	}
	if !r.Ready {
		t.Fatalf("expected ready after resolve, got %+v", r)
	}
}

func TestReadyTransitiveBlockers(t *testing.T) {
	env := newTestEnv(t)
	seedPackage(t, env, 1, "app")
	seedPackage(t, env, 2, "lib")
	seedPackage(t, env, 3, "core")

	for _, rel := range []domain.Relation{
		{Status: domain.RelationMissingDep, Request: 1, Required: 2},
		{Status: domain.RelationOutdatedDep, Request: 2, Required: 3},
	} {
		if _, err := env.Registry.AddRelation(env.Ctx, rel, "tester"); err != nil {
			t.Fatalf("add relation: %v", err)
		}
	}
	r, err := env.Registry.Ready(env.Ctx, 1)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if r.Ready {
		t.Fatalf("expected blocked")
	}
	if len(r.Blockers) != 2 || r.Blockers[0] != 2 || r.Blockers[1] != 3 {
		t.Fatalf("expected blockers [2 3], got %v", r.Blockers)
	}
}

func TestReadyNonBlockingStatusIgnored(t *testing.T) {
	env := newTestEnv(t)
	seedPackage(t, env, 1, "libfoo")
	seedPackage(t, env, 2, "libbar")

	// "unknown" is in the mark catalog but not a blocking relation status.
	if _, err := env.Registry.AddRelation(env.Ctx, domain.Relation{
		Status: "unknown", Request: 1, Required: 2,
	}, "tester"); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	r, err := env.Registry.Ready(env.Ctx, 1)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !r.Ready {
		t.Fatalf("expected non-blocking status to be ignored, got %+v", r)
	}
}

func TestReadyCycleDetected(t *testing.T) {
	env := newTestEnv(t)
	seedPackage(t, env, 1, "libfoo")
	seedPackage(t, env, 2, "libbar")

	for _, rel := range []domain.Relation{
		{Status: domain.RelationMissingDep, Request: 1, Required: 2},
		{Status: domain.RelationMissingDep, Request: 2, Required: 1},
	} {
		if _, err := env.Registry.AddRelation(env.Ctx, rel, "tester"); err != nil {
			t.Fatalf("add relation: %v", err)
		}
	}
	_, err := env.Registry.Ready(env.Ctx, 1)
	if !errors.Is(err, domain.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestReadyCycleElsewhereDoesNotAffect(t *testing.T) {
	env := newTestEnv(t)
	seedPackage(t, env, 1, "libfoo")
	seedPackage(t, env, 2, "libbar")
	seedPackage(t, env, 3, "solo")

	for _, rel := range []domain.Relation{
		{Status: domain.RelationMissingDep, Request: 1, Required: 2},
		{Status: domain.RelationMissingDep, Request: 2, Required: 1},
	} {
		if _, err := env.Registry.AddRelation(env.Ctx, rel, "tester"); err != nil {
			t.Fatalf("add relation: %v", err)
		}
	}
	r, err := env.Registry.Ready(env.Ctx, 3)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !r.Ready {
		t.Fatalf("expected solo package unaffected by unrelated cycle")
	}
}

func TestStatusProjection(t *testing.T) {
	env := newTestEnv(t)
	seedPackager(t, env, 42, "alice")
	seedPackage(t, env, 1, "libfoo")
	seedPackage(t, env, 2, "libbar")

	s, err := env.Registry.Status(env.Ctx, 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Status != domain.StatusUnassigned {
		t.Fatalf("expected unassigned, got %s", s.Status)
	}

	if _, err := env.Registry.Assign(env.Ctx, 1, 42, 100, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	s, err = env.Registry.Status(env.Ctx, 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Status != domain.StatusAssigned || s.Assignee == nil || s.Assignee.TgUID != 42 {
		t.Fatalf("expected assigned to alice, got %+v", s)
	}

	if _, err := env.Registry.AddRelation(env.Ctx, domain.Relation{
		Status: domain.RelationMissingDep, Request: 1, Required: 2,
	}, "tester"); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	s, err = env.Registry.Status(env.Ctx, 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Status != domain.StatusBlocked {
		t.Fatalf("expected blocked, got %s", s.Status)
	}
}
