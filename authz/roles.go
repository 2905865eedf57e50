// Copyright 2026 The OpsLedger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package authz is the pure permission engine of the client core. It maps a
// resolved role to a static capability set; the same table is enforced on the
// platform, so every check here is a UX optimization, never a security
// boundary.
package authz

// Role is a named bundle of capabilities. Tier-1 roles are granted at tenant
// scope and imply full access to every company under the tenant; tier-2 roles
// are granted per company.
type Role string

const (
	// RoleNone means no assignment exists for the context in question.
	RoleNone Role = ""

	// Tier-1 (tenant scope) roles.
	RoleOwner       Role = "owner"
	RoleTenantAdmin Role = "tenant_admin"

	// Tier-2 (company scope) roles.
	RoleAdministrator Role = "administrator"
	RoleFinance       Role = "finance"
	RoleSales         Role = "sales"
	RoleWarehouse     Role = "warehouse"
	RoleGeneralStaff  Role = "general_staff"
)

// Tier1 reports whether r is a tenant-scope superuser role.
func (r Role) Tier1() bool {
	return r == RoleOwner || r == RoleTenantAdmin
}

// Known reports whether r is one of the defined roles.
func (r Role) Known() bool {
	if r.Tier1() {
		return true
	}
	_, ok := rolePermissions[r]
	return ok && r != RoleNone
}

// Permission is a typed capability tag. Keeping these as declared constants
// (rather than free-form strings at call sites) keeps checks exhaustive.
type Permission string

const (
	PermTeamInvite      Permission = "team.invite"
	PermTeamManage      Permission = "team.manage"
	PermCompanySettings Permission = "company.settings"

	PermInventoryView   Permission = "inventory.view"
	PermInventoryManage Permission = "inventory.manage"

	PermSalesView   Permission = "sales.view"
	PermSalesCreate Permission = "sales.create"

	PermPurchasingView   Permission = "purchasing.view"
	PermPurchasingCreate Permission = "purchasing.create"

	PermFinanceView   Permission = "finance.view"
	PermFinanceManage Permission = "finance.manage"
	PermFinanceReport Permission = "finance.report"

	PermReportsView Permission = "reports.view"
)

// AllPermissions is the full capability set, the grant of every tier-1 role.
var AllPermissions = []Permission{
	PermTeamInvite,
	PermTeamManage,
	PermCompanySettings,
	PermInventoryView,
	PermInventoryManage,
	PermSalesView,
	PermSalesCreate,
	PermPurchasingView,
	PermPurchasingCreate,
	PermFinanceView,
	PermFinanceManage,
	PermFinanceReport,
	PermReportsView,
}

// rolePermissions is the static role table. It mirrors the table the platform
// enforces; changing one side without the other produces the stale-state 403s
// the gateway's resync protocol exists for.
var rolePermissions = map[Role][]Permission{
	RoleAdministrator: {
		PermTeamInvite,
		PermTeamManage,
		PermCompanySettings,
		PermInventoryView,
		PermInventoryManage,
		PermSalesView,
		PermSalesCreate,
		PermPurchasingView,
		PermPurchasingCreate,
		PermFinanceView,
		PermReportsView,
	},
	RoleFinance: {
		PermFinanceView,
		PermFinanceManage,
		PermFinanceReport,
		PermSalesView,
		PermPurchasingView,
		PermReportsView,
	},
	RoleSales: {
		PermSalesView,
		PermSalesCreate,
		PermInventoryView,
		PermReportsView,
	},
	RoleWarehouse: {
		PermInventoryView,
		PermInventoryManage,
		PermPurchasingView,
	},
	RoleGeneralStaff: {
		PermInventoryView,
		PermSalesView,
		PermReportsView,
	},
	RoleNone: {},
}
