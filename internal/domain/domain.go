package domain

// Packager is a human reviewer identified by a stable chat-platform uid.
// The uid is the join key everywhere; there is no secondary internal id.
type Packager struct {
	TgUID int64  `json:"tg_uid"`
	Alias string `json:"alias"`
}

type Package struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Assignment is one row of assignment history. A nil Assignee is the
// "unassigned" sentinel; the row with the newest AssignedAt (id breaking
// ties) is authoritative for a package.
type Assignment struct {
	ID         int64  `json:"id"`
	Pkg        int64  `json:"pkg"`
	Assignee   *int64 `json:"assignee,omitempty"`
	AssignedAt int64  `json:"assigned_at"`
}

// Mark is an immutable audit-log entry. Corrections are new marks; rows
// are never updated or deleted.
type Mark struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	MarkedBy *int64  `json:"marked_by,omitempty"`
	MarkedAt int64   `json:"marked_at"`
	MsgID    int64   `json:"msg_id"`
	Comment  *string `json:"comment,omitempty"`
	ForPkg   *int64  `json:"for_pkg,omitempty"`
}

// Relation is a directed blocking edge: Request depends on Required.
type Relation struct {
	Status   string `json:"status"`
	Required int64  `json:"required"`
	Request  int64  `json:"request"`
}

// Relation statuses the bot records for dependency problems.
const (
	RelationOutdatedDep = "outdated_dep"
	RelationMissingDep  = "missing_dep"
)

// PackageStatus is the derived projection of a package's state. It is
// computed at read time and never stored.
type PackageStatus string

const (
	StatusUnassigned PackageStatus = "unassigned"
	StatusAssigned   PackageStatus = "assigned"
	StatusBlocked    PackageStatus = "blocked"
	StatusReady      PackageStatus = "ready"
)

// WorkListUnit is one row of the assignment board: a package with its
// current assignee resolved to an alias.
type WorkListUnit struct {
	Pkg        int64  `json:"pkg"`
	PkgName    string `json:"pkgName"`
	Assignee   *int64 `json:"assignee,omitempty"`
	Alias      string `json:"alias,omitempty"`
	AssignedAt int64  `json:"assignedAt"`
}

// MarkListUnit groups the marks recorded against one package.
type MarkListUnit struct {
	Pkg     int64  `json:"pkg"`
	PkgName string `json:"pkgName"`
	Marks   []Mark `json:"marks"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
