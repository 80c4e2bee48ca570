package types

import (
	"encoding/json"
	"time"
)

// OrderID identifies a work order.
type OrderID string

// UserID identifies an authenticated user.
type UserID string

// CompanyID identifies a tenant company.
type CompanyID string

// Role is one of the fixed application roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleWorker     Role = "worker"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDispatcher, RoleWorker:
		return true
	}
	return false
}

// OrderStatus tracks the lifecycle of a work order.
type OrderStatus string

const (
	StatusNew        OrderStatus = "new"
	StatusAssigned   OrderStatus = "assigned"
	StatusInProgress OrderStatus = "in_progress"
	StatusDone       OrderStatus = "done"
	StatusCancelled  OrderStatus = "cancelled"
)

// Valid reports whether s is a known lifecycle state.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusNew, StatusAssigned, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Order is the unit the sync core operates on. The server owns the record;
// updated_at is bumped by a trigger on every write and doubles as the
// optimistic-concurrency version token.
type Order struct {
	ID          OrderID     `json:"id"`
	CompanyID   CompanyID   `json:"company_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      OrderStatus `json:"status"`
	Priority    int         `json:"priority,omitempty"`
	AssignedTo  *UserID     `json:"assigned_to"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// VersionToken returns the concurrency token for conditional updates.
func (o Order) VersionToken() time.Time { return o.UpdatedAt }

// OrderPatch is a partial update applied to an order. Nil fields are left
// untouched by the server.
type OrderPatch struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Status      *OrderStatus `json:"status,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	AssignedTo  *UserID      `json:"assigned_to,omitempty"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// IsEmpty reports whether the patch carries no changes.
func (p OrderPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssignedTo == nil && p.ScheduledAt == nil &&
		p.CompletedAt == nil
}

// Employee is a company member visible to dispatchers when assigning orders.
type Employee struct {
	ID           UserID    `json:"id"`
	CompanyID    CompanyID `json:"company_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	DepartmentID string    `json:"department_id,omitempty"`
	Active       bool      `json:"active"`
}

// Department groups employees for filtering and assignment.
type Department struct {
	ID        string    `json:"id"`
	CompanyID CompanyID `json:"company_id"`
	Name      string    `json:"name"`
}

// Profile is the application-level identity attached to an auth user. A user
// without a resolved profile is treated as unauthenticated.
type Profile struct {
	UserID      UserID    `json:"id"`
	CompanyID   CompanyID `json:"company_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// PermissionRow is a single company-level permission override fetched from
// the backend. Rows only override default keys, they never remove them.
type PermissionRow struct {
	CompanyID CompanyID `json:"company_id"`
	Role      Role      `json:"role"`
	Key       string    `json:"key"`
	Value     bool      `json:"value"`
}

// ChangeType categorizes a realtime notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a decoded server-push change notification carrying the new
// and old row snapshots as raw JSON.
type ChangeEvent struct {
	Table  string          `json:"table"`
	Schema string          `json:"schema"`
	Type   ChangeType      `json:"type"`
	New    json.RawMessage `json:"new,omitempty"`
	Old    json.RawMessage `json:"old,omitempty"`
}

// RowID extracts the "id" field from the event's row snapshots, preferring
// the new row. Returns empty when neither snapshot carries an id.
func (e ChangeEvent) RowID() string {
	for _, raw := range [][]byte{e.New, e.Old} {
		if len(raw) == 0 {
			continue
		}
		var row struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &row); err == nil && row.ID != "" {
			return row.ID
		}
	}
	return ""
}
