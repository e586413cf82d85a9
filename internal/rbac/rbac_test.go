package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer move", role: RoleViewer, action: ActionMove, allow: false},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: false},
		{name: "commercial intake", role: RoleCommercial, action: ActionIntake, allow: true},
		{name: "commercial decide", role: RoleCommercial, action: ActionDecide, allow: false},
		{name: "analyst decide", role: RoleAnalyst, action: ActionDecide, allow: true},
		{name: "analyst moderate", role: RoleAnalyst, action: ActionModerate, allow: false},
		{name: "supervisor moderate", role: RoleSupervisor, action: ActionModerate, allow: true},
		{name: "supervisor admin", role: RoleSupervisor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if got := Normalize("root"); got != RoleViewer {
		t.Fatalf("Normalize(root) = %q, want viewer", got)
	}
	if got := Normalize("analyst"); got != RoleAnalyst {
		t.Fatalf("Normalize(analyst) = %q, want analyst", got)
	}
}

func TestElevated(t *testing.T) {
	if Elevated("analyst") {
		t.Fatalf("analyst must not be elevated")
	}
	if !Elevated("supervisor") || !Elevated("admin") {
		t.Fatalf("supervisor and admin must be elevated")
	}
}
