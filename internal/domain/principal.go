package domain

// Role — роль пользователя, выданная внешним сервисом аутентификации.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	// RoleSystem используется фоновыми воркерами (например, sweep просроченных резервов).
	RoleSystem Role = "system"
)

// Principal — аутентифицированная личность, которой доверяет ядро.
type Principal struct {
	UserID string
	Roles  []Role
}

// SystemPrincipal возвращает личность для внутренних фоновых операций.
func SystemPrincipal() Principal {
	return Principal{UserID: "system", Roles: []Role{RoleSystem}}
}

// HasRole проверяет наличие роли.
func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsStaff: персонал магазина, администратор или системный актор.
func (p Principal) IsStaff() bool {
	return p.HasRole(RoleStaff) || p.HasRole(RoleAdmin) || p.HasRole(RoleSystem)
}

// Authenticated сообщает, что личность установлена.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// CanAccessOrder: владелец заказа или персонал.
func (p Principal) CanAccessOrder(order Order) bool {
	return p.IsStaff() || order.OwnedBy(p.UserID)
}
