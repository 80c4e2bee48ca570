package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/field-sync-engine/internal/types"
)

// OrderFilter narrows list queries. Zero fields are omitted from the request.
type OrderFilter struct {
	Status     types.OrderStatus
	AssignedTo types.UserID
	Unassigned bool
	From       *time.Time
	To         *time.Time
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

func (f OrderFilter) query() url.Values {
	q := url.Values{}
	q.Set("select", "*")
	if f.Status != "" {
		q.Set("status", "eq."+string(f.Status))
	}
	if f.Unassigned {
		q.Set("assigned_to", "is.null")
	} else if f.AssignedTo != "" {
		q.Set("assigned_to", "eq."+string(f.AssignedTo))
	}
	if f.From != nil {
		q.Add("scheduled_at", "gte."+f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		q.Add("scheduled_at", "lt."+f.To.UTC().Format(time.RFC3339))
	}
	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	direction := "asc"
	if f.Descending {
		direction = "desc"
	}
	q.Set("order", orderBy+"."+direction)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", f.Offset))
	}
	return q
}

// ListOrders fetches orders matching the filter.
func (c *Client) ListOrders(ctx context.Context, filter OrderFilter) ([]types.Order, error) {
	var orders []types.Order
	if err := c.do(ctx, "orders.list", http.MethodGet, restPrefix+"/orders", filter.query(), "", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, id types.OrderID) (*types.Order, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+string(id))

	var rows []types.Order
	if err := c.do(ctx, "orders.get", http.MethodGet, restPrefix+"/orders", q, "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewSyncError(types.ErrNotFound, "orders.get", fmt.Errorf("order %s not found", id))
	}
	return &rows[0], nil
}

// InsertOrder creates a new order and returns the server-computed row.
func (c *Client) InsertOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	var rows []types.Order
	if err := c.do(ctx, "orders.insert", http.MethodPost, restPrefix+"/orders", nil, "return=representation", order, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewSyncError(types.ErrUnknown, "orders.insert", fmt.Errorf("insert returned no row"))
	}
	return &rows[0], nil
}

// UpdateOrder applies patch unconditionally and returns the updated rows. A
// version-checked caller should use an OrderUpdater instead.
func (c *Client) UpdateOrder(ctx context.Context, id types.OrderID, patch types.OrderPatch) (*types.Order, error) {
	q := url.Values{}
	q.Set("id", "eq."+string(id))

	var rows []types.Order
	if err := c.do(ctx, "orders.update", http.MethodPatch, restPrefix+"/orders", q, "return=representation", patch, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewSyncError(types.ErrNotFound, "orders.update", fmt.Errorf("order %s not found", id))
	}
	return &rows[0], nil
}

// DeleteOrder removes an order.
func (c *Client) DeleteOrder(ctx context.Context, id types.OrderID) error {
	q := url.Values{}
	q.Set("id", "eq."+string(id))
	return c.do(ctx, "orders.delete", http.MethodDelete, restPrefix+"/orders", q, "", nil, nil)
}

// ListEmployees fetches the active members of a company.
func (c *Client) ListEmployees(ctx context.Context, company types.CompanyID) ([]types.Employee, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("company_id", "eq."+string(company))
	q.Set("active", "eq.true")
	q.Set("order", "display_name.asc")

	var employees []types.Employee
	if err := c.do(ctx, "employees.list", http.MethodGet, restPrefix+"/employees", q, "", nil, &employees); err != nil {
		return nil, err
	}
	return employees, nil
}

// ListDepartments fetches the departments of a company.
func (c *Client) ListDepartments(ctx context.Context, company types.CompanyID) ([]types.Department, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("company_id", "eq."+string(company))
	q.Set("order", "name.asc")

	var departments []types.Department
	if err := c.do(ctx, "departments.list", http.MethodGet, restPrefix+"/departments", q, "", nil, &departments); err != nil {
		return nil, err
	}
	return departments, nil
}

// ListPermissionRows fetches the company-level permission overrides.
func (c *Client) ListPermissionRows(ctx context.Context, company types.CompanyID) ([]types.PermissionRow, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("company_id", "eq."+string(company))

	var rows []types.PermissionRow
	if err := c.do(ctx, "permissions.list", http.MethodGet, restPrefix+"/role_permissions", q, "", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetProfile fetches the application profile for a user, or NOT_FOUND.
func (c *Client) GetProfile(ctx context.Context, user types.UserID) (*types.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+string(user))

	var rows []types.Profile
	if err := c.do(ctx, "profiles.get", http.MethodGet, restPrefix+"/profiles", q, "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewSyncError(types.ErrNotFound, "profiles.get", fmt.Errorf("profile %s not found", user))
	}
	return &rows[0], nil
}

// UpsertProfile creates or updates a profile and returns the stored row.
// Used to auto-provision first-time sign-ins with a default role.
func (c *Client) UpsertProfile(ctx context.Context, profile types.Profile) (*types.Profile, error) {
	var rows []types.Profile
	if err := c.do(ctx, "profiles.upsert", http.MethodPost, restPrefix+"/profiles", nil, "resolution=merge-duplicates,return=representation", profile, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NewSyncError(types.ErrUnknown, "profiles.upsert", fmt.Errorf("upsert returned no row"))
	}
	return &rows[0], nil
}
