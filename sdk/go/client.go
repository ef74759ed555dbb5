package pkgboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Pkgboard HTTP API client.
type Client struct {
	BaseURL     string
	APIToken    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Packager struct {
	TgUID int64  `json:"tg_uid"`
	Alias string `json:"alias"`
}

type Package struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Mark struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	MarkedBy *int64  `json:"marked_by,omitempty"`
	MarkedAt int64   `json:"marked_at"`
	MsgID    int64   `json:"msg_id"`
	Comment  *string `json:"comment,omitempty"`
	ForPkg   *int64  `json:"for_pkg,omitempty"`
}

type WorkListUnit struct {
	Pkg        int64  `json:"pkg"`
	PkgName    string `json:"pkgName"`
	Assignee   *int64 `json:"assignee,omitempty"`
	Alias      string `json:"alias,omitempty"`
	AssignedAt int64  `json:"assignedAt"`
}

type MarkListUnit struct {
	Pkg     int64  `json:"pkg"`
	PkgName string `json:"pkgName"`
	Marks   []Mark `json:"marks"`
}

// Board is the combined working and mark view.
type Board struct {
	WorkList []WorkListUnit `json:"workList"`
	MarkList []MarkListUnit `json:"markList"`
}

type Assignment struct {
	Pkg        int64  `json:"pkg"`
	Assignee   *int64 `json:"assignee,omitempty"`
	AssignedAt int64  `json:"assigned_at"`
}

type Ready struct {
	Pkg      int64   `json:"pkg"`
	Ready    bool    `json:"ready"`
	Blockers []int64 `json:"blockers,omitempty"`
}

type Relation struct {
	Status   string `json:"status"`
	Required int64  `json:"required"`
	Request  int64  `json:"request"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Board fetches the working and mark lists.
func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, "v0/pkg", nil, &resp)
	return resp, err
}

// UpsertPackager registers or renames a packager.
func (c *Client) UpsertPackager(ctx context.Context, tgUID int64, alias string) (Packager, error) {
	var resp Packager
	err := c.do(ctx, http.MethodPost, "v0/packagers", map[string]any{"tg_uid": tgUID, "alias": alias}, &resp)
	return resp, err
}

// UpsertPackage registers or renames a package.
func (c *Client) UpsertPackage(ctx context.Context, id int64, name string) (Package, error) {
	var resp Package
	err := c.do(ctx, http.MethodPost, "v0/packages", map[string]any{"id": id, "name": name}, &resp)
	return resp, err
}

// Assign assigns a package to a packager.
func (c *Client) Assign(ctx context.Context, pkg, assignee int64) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v0/packages/%d/assign", pkg)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"assignee": assignee}, &resp)
	return resp, err
}

// Unassign clears a package's assignment.
func (c *Client) Unassign(ctx context.Context, pkg int64) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v0/packages/%d/unassign", pkg)
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// RecordMark records a mark against a package.
func (c *Client) RecordMark(ctx context.Context, name string, pkg, markedBy, msgID int64, comment string) (Mark, error) {
	body := map[string]any{
		"name":      name,
		"for_pkg":   pkg,
		"marked_by": markedBy,
		"msg_id":    msgID,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Mark
	err := c.do(ctx, http.MethodPost, "v0/marks", body, &resp)
	return resp, err
}

// AddRelation records that request waits on required.
func (c *Client) AddRelation(ctx context.Context, request, required int64, status string) (Relation, error) {
	var resp Relation
	err := c.do(ctx, http.MethodPut, "v0/relations", map[string]any{
		"request":  request,
		"required": required,
		"status":   status,
	}, &resp)
	return resp, err
}

// ResolveRelation removes the edge between request and required.
func (c *Client) ResolveRelation(ctx context.Context, request, required int64) error {
	endpoint := fmt.Sprintf("v0/relations/%d/%d", request, required)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Ready reports a package's readiness.
func (c *Client) Ready(ctx context.Context, pkg int64) (Ready, error) {
	var resp Ready
	endpoint := fmt.Sprintf("v0/packages/%d/ready", pkg)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIToken != "":
		req.Header.Set("X-Api-Token", c.APIToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
