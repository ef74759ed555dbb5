package server

import (
	"pkgboard/internal/domain"
	"pkgboard/internal/registry"
)

type PackagerRequest struct {
	TgUID int64  `json:"tg_uid"`
	Alias string `json:"alias"`
}

type PackagerResponse struct {
	TgUID int64  `json:"tg_uid"`
	Alias string `json:"alias"`
}

func packagerResponse(p domain.Packager) PackagerResponse {
	return PackagerResponse{TgUID: p.TgUID, Alias: p.Alias}
}

func mapPackagers(items []domain.Packager) []PackagerResponse {
	res := []PackagerResponse{}
	for _, p := range items {
		res = append(res, packagerResponse(p))
	}
	return res
}

type PackageRequest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type PackageResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func packageResponse(p domain.Package) PackageResponse {
	return PackageResponse{ID: p.ID, Name: p.Name}
}

func mapPackages(items []domain.Package) []PackageResponse {
	res := []PackageResponse{}
	for _, p := range items {
		res = append(res, packageResponse(p))
	}
	return res
}

type AssignRequest struct {
	Assignee   int64 `json:"assignee"`
	AssignedAt int64 `json:"assigned_at,omitempty"`
}

type AssignmentResponse struct {
	Pkg        int64  `json:"pkg"`
	Assignee   *int64 `json:"assignee,omitempty"`
	AssignedAt int64  `json:"assigned_at"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{Pkg: a.Pkg, Assignee: a.Assignee, AssignedAt: a.AssignedAt}
}

type AssigneeResponse struct {
	Assigned bool              `json:"assigned"`
	Packager *PackagerResponse `json:"packager,omitempty"`
}

type MarkRequest struct {
	Name     string `json:"name"`
	ForPkg   *int64 `json:"for_pkg,omitempty"`
	MarkedBy *int64 `json:"marked_by,omitempty"`
	MarkedAt int64  `json:"marked_at,omitempty"`
	MsgID    int64  `json:"msg_id"`
	Comment  string `json:"comment,omitempty"`
}

type MarkResponse struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	MarkedBy *int64  `json:"marked_by,omitempty"`
	MarkedAt int64   `json:"marked_at"`
	MsgID    int64   `json:"msg_id"`
	Comment  *string `json:"comment,omitempty"`
	ForPkg   *int64  `json:"for_pkg,omitempty"`
}

func markResponse(m domain.Mark) MarkResponse {
	return MarkResponse{
		ID:       m.ID,
		Name:     m.Name,
		MarkedBy: m.MarkedBy,
		MarkedAt: m.MarkedAt,
		MsgID:    m.MsgID,
		Comment:  m.Comment,
		ForPkg:   m.ForPkg,
	}
}

func mapMarks(items []domain.Mark) []MarkResponse {
	res := []MarkResponse{}
	for _, m := range items {
		res = append(res, markResponse(m))
	}
	return res
}

type RelationRequest struct {
	Status   string `json:"status"`
	Required int64  `json:"required"`
	Request  int64  `json:"request"`
}

type RelationResponse struct {
	Status   string `json:"status"`
	Required int64  `json:"required"`
	Request  int64  `json:"request"`
}

func relationResponse(r domain.Relation) RelationResponse {
	return RelationResponse{Status: r.Status, Required: r.Required, Request: r.Request}
}

func mapRelations(items []domain.Relation) []RelationResponse {
	res := []RelationResponse{}
	for _, r := range items {
		res = append(res, relationResponse(r))
	}
	return res
}

type ReadyResponse struct {
	Pkg      int64   `json:"pkg"`
	Ready    bool    `json:"ready"`
	Blockers []int64 `json:"blockers,omitempty"`
}

func readyResponse(r registry.ReadyReport) ReadyResponse {
	return ReadyResponse{Pkg: r.Pkg, Ready: r.Ready, Blockers: r.Blockers}
}

type StatusResponse struct {
	Pkg      PackageResponse   `json:"pkg"`
	Status   string            `json:"status"`
	Assignee *PackagerResponse `json:"assignee,omitempty"`
	Blockers []int64           `json:"blockers,omitempty"`
	Marks    []MarkResponse    `json:"marks,omitempty"`
}

func statusResponse(s registry.StatusReport) StatusResponse {
	res := StatusResponse{
		Pkg:      packageResponse(s.Pkg),
		Status:   string(s.Status),
		Blockers: s.Blockers,
		Marks:    mapMarks(s.Marks),
	}
	if s.Assignee != nil {
		p := packagerResponse(*s.Assignee)
		res.Assignee = &p
	}
	return res
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := []EventResponse{}
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

type ReleaseResponse struct {
	Pkg      PackageResponse   `json:"pkg"`
	Status   string            `json:"status"`
	Assignee *PackagerResponse `json:"assignee,omitempty"`
}
