package rules

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t)
	if engine.CompiledCount() != 0 {
		t.Errorf("expected 0 compiled programs, got %d", engine.CompiledCount())
	}
}

func TestValidate(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"bool expression", `membership_type == "annual" && hour < 6`, false},
		{"unknown variable", `amount > 100.0`, true},
		{"syntax error", `this is not valid CEL !!!`, true},
		{"non-bool output", `hour + 1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate([]string{tt.expr})
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}

	if engine.CompiledCount() != 0 {
		t.Error("Validate must not cache programs")
	}
}

func TestEvaluate(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// Friday 2025-06-06 03:30 UTC
	at := time.Date(2025, 6, 6, 3, 30, 0, 0, time.UTC)
	input := Input{
		MembershipType: "annual",
		CountryCode:    "AE",
		VendorCategory: "bar",
		VendorCity:     "Dubai",
		At:             at,
	}

	t.Run("NoExpressions", func(t *testing.T) {
		v, err := engine.Evaluate(ctx, nil, input)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if v.Blocked {
			t.Error("expected no block without expressions")
		}
	})

	t.Run("Blocks", func(t *testing.T) {
		exprs := []string{
			`vendor_category == "gym"`,
			`vendor_category == "bar" && weekday == 5`,
			`hour < 6`,
		}
		v, err := engine.Evaluate(ctx, exprs, input)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if !v.Blocked {
			t.Fatal("expected tap to be blocked")
		}
		if v.Expression != exprs[1] {
			t.Errorf("expected first blocking expression in list order, got %q", v.Expression)
		}
	})

	t.Run("Allows", func(t *testing.T) {
		exprs := []string{`date == "2025-12-02"`, `vendor_city != "Dubai"`}
		v, err := engine.Evaluate(ctx, exprs, input)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if v.Blocked {
			t.Errorf("expected allow, blocked by %q", v.Expression)
		}
	})

	t.Run("CachesPrograms", func(t *testing.T) {
		before := engine.CompiledCount()
		_, _ = engine.Evaluate(ctx, []string{`hour < 6`}, input)
		if engine.CompiledCount() != before {
			t.Errorf("expected cached program reuse, count went %d -> %d", before, engine.CompiledCount())
		}
	})

	t.Run("CompileErrorSurfaces", func(t *testing.T) {
		_, err := engine.Evaluate(ctx, []string{`nonsense +`}, input)
		if err == nil || !strings.Contains(err.Error(), "compile") {
			t.Errorf("expected compile error, got %v", err)
		}
	})
}
