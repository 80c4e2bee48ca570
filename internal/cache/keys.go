package cache

// Cache key layout. Every key opens with the data family so that prefix
// invalidation can sweep a whole family in one call.

const (
	// OrdersPrefix covers every order-derived entry.
	OrdersPrefix = "orders:"
	// OrderListPrefix covers the order list views (feed, mine, calendar).
	OrderListPrefix = "orders:list:"
	// OrderDetailPrefix covers single-order entries.
	OrderDetailPrefix = "orders:detail:"
	// PermissionsPrefix covers per-company permission matrices.
	PermissionsPrefix = "permissions:"
	// EmployeesPrefix covers per-company employee directories.
	EmployeesPrefix = "employees:"
	// DepartmentsPrefix covers per-company department lists.
	DepartmentsPrefix = "departments:"
	// ProfilePrefix covers per-user profiles.
	ProfilePrefix = "profiles:"
	// PhotosPrefix covers per-order photo listings.
	PhotosPrefix = "photos:"
)

// OrderKey is the detail entry for one order.
func OrderKey(id string) string { return OrderDetailPrefix + id }

// OrderListKey names one list view, e.g. "feed" or "mine:<user>".
func OrderListKey(view string) string { return OrderListPrefix + view }

// PermissionsKey is the resolved permission matrix for one company.
func PermissionsKey(companyID string) string { return PermissionsPrefix + companyID }

// EmployeesKey is the employee directory for one company.
func EmployeesKey(companyID string) string { return EmployeesPrefix + companyID }

// DepartmentsKey is the department list for one company.
func DepartmentsKey(companyID string) string { return DepartmentsPrefix + companyID }

// ProfileKey is the profile entry for one user.
func ProfileKey(userID string) string { return ProfilePrefix + userID }

// PhotosKey is the photo listing for one order and category.
func PhotosKey(orderID, category string) string {
	return PhotosPrefix + orderID + ":" + category
}

// PhotosOrderPrefix covers every photo listing of one order.
func PhotosOrderPrefix(orderID string) string { return PhotosPrefix + orderID + ":" }
