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

package authz

// ResolveEffectiveRole computes the role in effect for the active company.
// A tier-1 assignment always wins: it grants the full capability set for
// every company of the tenant, independent of any tier-2 assignment. With no
// tier-1 assignment the tier-2 role applies, and with neither the caller has
// no access. This is the single place the override rule lives.
func ResolveEffectiveRole(tier1, tier2 Role) Role {
	if tier1.Tier1() {
		return tier1
	}
	if _, ok := rolePermissions[tier2]; ok && tier2 != RoleNone {
		return tier2
	}
	return RoleNone
}

// PermissionsFor returns the capability set of role. Tier-1 roles get the
// full set. The returned slice is a copy.
func PermissionsFor(role Role) []Permission {
	var src []Permission
	if role.Tier1() {
		src = AllPermissions
	} else {
		src = rolePermissions[role]
	}
	out := make([]Permission, len(src))
	copy(out, src)
	return out
}

// Checker answers point queries for one resolved role.
type Checker struct {
	role  Role
	perms map[Permission]struct{}
}

// For builds a Checker for a resolved role.
func For(role Role) Checker {
	var src []Permission
	if role.Tier1() {
		src = AllPermissions
	} else {
		src = rolePermissions[role]
	}
	perms := make(map[Permission]struct{}, len(src))
	for _, p := range src {
		perms[p] = struct{}{}
	}
	return Checker{role: role, perms: perms}
}

// Role returns the role the checker was built for.
func (c Checker) Role() Role { return c.role }

// Can reports whether the role holds p.
func (c Checker) Can(p Permission) bool {
	_, ok := c.perms[p]
	return ok
}

// CanAny reports whether the role holds at least one of ps. False for an
// empty list.
func (c Checker) CanAny(ps ...Permission) bool {
	for _, p := range ps {
		if c.Can(p) {
			return true
		}
	}
	return false
}

// CanAll reports whether the role holds every one of ps. True for an empty
// list.
func (c Checker) CanAll(ps ...Permission) bool {
	for _, p := range ps {
		if !c.Can(p) {
			return false
		}
	}
	return true
}
