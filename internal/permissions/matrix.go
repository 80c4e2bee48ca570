package permissions

import "github.com/example/field-sync-engine/internal/types"

// Permission keys known to the app. Remote overrides carrying any other key
// are stored verbatim but lookups for unknown keys always answer false.
const (
	OrdersCreate    = "orders.create"
	OrdersAssign    = "orders.assign"
	OrdersAccept    = "orders.accept"
	OrdersComplete  = "orders.complete"
	OrdersDelete    = "orders.delete"
	OrdersViewAll   = "orders.view_all"
	PhotosUpload    = "photos.upload"
	PhotosDelete    = "photos.delete"
	SettingsManage  = "settings.manage"
	EmployeesManage = "employees.manage"
	ReportsView     = "reports.view"
)

// Keys lists every known permission key.
func Keys() []string {
	return []string{
		OrdersCreate, OrdersAssign, OrdersAccept, OrdersComplete,
		OrdersDelete, OrdersViewAll, PhotosUpload, PhotosDelete,
		SettingsManage, EmployeesManage, ReportsView,
	}
}

// Matrix holds the resolved permission value for every role and key.
type Matrix map[types.Role]map[string]bool

// Allowed reports whether role holds key. Unknown roles and keys are false.
func (m Matrix) Allowed(role types.Role, key string) bool {
	grants, ok := m[role]
	if !ok {
		return false
	}
	return grants[key]
}

// clone deep-copies the matrix so callers can mutate their copy freely.
func (m Matrix) clone() Matrix {
	out := make(Matrix, len(m))
	for role, grants := range m {
		copied := make(map[string]bool, len(grants))
		for key, value := range grants {
			copied[key] = value
		}
		out[role] = copied
	}
	return out
}

// DefaultMatrix is the compiled-in permission preset. It is the floor every
// resolution starts from, so the app keeps a fully-populated matrix even when
// the remote table is empty or unreachable.
func DefaultMatrix() Matrix {
	return Matrix{
		types.RoleAdmin: {
			OrdersCreate:    true,
			OrdersAssign:    true,
			OrdersAccept:    true,
			OrdersComplete:  true,
			OrdersDelete:    true,
			OrdersViewAll:   true,
			PhotosUpload:    true,
			PhotosDelete:    true,
			SettingsManage:  true,
			EmployeesManage: true,
			ReportsView:     true,
		},
		types.RoleDispatcher: {
			OrdersCreate:    true,
			OrdersAssign:    true,
			OrdersAccept:    false,
			OrdersComplete:  false,
			OrdersDelete:    false,
			OrdersViewAll:   true,
			PhotosUpload:    true,
			PhotosDelete:    false,
			SettingsManage:  false,
			EmployeesManage: true,
			ReportsView:     true,
		},
		types.RoleWorker: {
			OrdersCreate:    false,
			OrdersAssign:    false,
			OrdersAccept:    true,
			OrdersComplete:  true,
			OrdersDelete:    false,
			OrdersViewAll:   false,
			PhotosUpload:    true,
			PhotosDelete:    false,
			SettingsManage:  false,
			EmployeesManage: false,
			ReportsView:     false,
		},
	}
}

// Merge overlays remote rows onto the defaults. Keys absent remotely keep
// their default value; rows for unknown roles are dropped.
func Merge(defaults Matrix, rows []types.PermissionRow) Matrix {
	merged := defaults.clone()
	for _, row := range rows {
		grants, ok := merged[row.Role]
		if !ok {
			continue
		}
		grants[row.Key] = row.Value
	}
	return merged
}
