// Package access tests for the static authorization provider.
package access

import (
	"context"
	"testing"
)

// TestStaticProvider_DenyByDefault verifies unknown users get nothing.
func TestStaticProvider_DenyByDefault(t *testing.T) {
	p := NewStaticProvider()
	ctx := context.Background()

	ok, err := p.CanAccessCollection(ctx, "stranger", "patients", OpRead)
	if err != nil {
		t.Fatalf("CanAccessCollection error = %v", err)
	}
	if ok {
		t.Error("unknown user granted access")
	}

	scope, err := p.FacilityScope(ctx, "stranger")
	if err != nil {
		t.Fatalf("FacilityScope error = %v", err)
	}
	if scope.All || len(scope.Facilities) != 0 {
		t.Errorf("unknown user scope = %+v, want empty", scope)
	}
}

// TestStaticProvider_Allow verifies collection and facility grants.
func TestStaticProvider_Allow(t *testing.T) {
	p := NewStaticProvider()
	ctx := context.Background()
	p.Allow("nurse-1", []string{"patients", "observations"}, []string{"facility-7"})

	ok, _ := p.CanAccessCollection(ctx, "nurse-1", "patients", OpUpdate)
	if !ok {
		t.Error("granted collection denied")
	}
	ok, _ = p.CanAccessCollection(ctx, "nurse-1", "prescriptions", OpRead)
	if ok {
		t.Error("ungranted collection allowed")
	}

	scope, _ := p.FacilityScope(ctx, "nurse-1")
	if scope.All {
		t.Error("scoped user reported unrestricted")
	}
	if len(scope.Facilities) != 1 || scope.Facilities[0] != "facility-7" {
		t.Errorf("scope = %+v", scope)
	}
}

// TestStaticProvider_AllowAll verifies the admin grant.
func TestStaticProvider_AllowAll(t *testing.T) {
	p := NewStaticProvider()
	ctx := context.Background()
	p.AllowAll("admin-1")

	for _, col := range []string{"patients", "appointments", "anything"} {
		ok, _ := p.CanAccessCollection(ctx, "admin-1", col, OpDelete)
		if !ok {
			t.Errorf("admin denied on %s", col)
		}
	}

	scope, _ := p.FacilityScope(ctx, "admin-1")
	if !scope.All {
		t.Error("admin scope not unrestricted")
	}
}
