package hydra

import "testing"

func TestRosterResolve(t *testing.T) {
	r := NewRoster(DefaultPersonas())

	if p, ok := r.Resolve("geralt"); !ok || p.ID != "geralt" {
		t.Errorf("by id: %v %v", p, ok)
	}
	if p, ok := r.Resolve("GERALT"); !ok || p.ID != "geralt" {
		t.Errorf("by case-insensitive name: %v %v", p, ok)
	}
	if _, ok := r.Resolve("nobody"); ok {
		t.Error("unknown persona resolved")
	}
}

func TestRosterDefault(t *testing.T) {
	r := NewRoster(nil)
	if p := r.Default(); p.ID != DefaultPersonaID {
		t.Errorf("default = %s", p.ID)
	}
}

func TestRosterReplaceKeepsDefault(t *testing.T) {
	r := NewRoster(DefaultPersonas())
	r.Replace([]Persona{{ID: "custom", Name: "Custom"}})

	if _, ok := r.Get("custom"); !ok {
		t.Fatal("replacement persona missing")
	}
	if _, ok := r.Get(DefaultPersonaID); !ok {
		t.Fatal("default persona must survive a replace")
	}
	if _, ok := r.Get("geralt"); ok {
		t.Error("old roster leaked through the replace")
	}

	// An empty replace is a no-op, not a wipe.
	r.Replace(nil)
	if _, ok := r.Get("custom"); !ok {
		t.Error("empty replace wiped the roster")
	}
}

func TestPickModelABSplit(t *testing.T) {
	never := Persona{ModelB: "gemini-2.5-flash-lite", ABSplit: 0}
	for i := 0; i < 20; i++ {
		if got := never.PickModel(ModelFlash); got != ModelFlash {
			t.Fatalf("split 0 picked the B arm: %s", got)
		}
	}

	always := Persona{ModelB: "gemini-2.5-flash-lite", ABSplit: 1.0}
	for i := 0; i < 20; i++ {
		if got := always.PickModel(ModelFlash); got != "gemini-2.5-flash-lite" {
			t.Fatalf("split 1 kept the A arm: %s", got)
		}
	}

	noB := Persona{ABSplit: 1.0}
	if got := noB.PickModel(ModelFlash); got != ModelFlash {
		t.Errorf("missing B arm must keep the resolved model: %s", got)
	}
}

func TestDefaultPersonasWellFormed(t *testing.T) {
	personas := DefaultPersonas()
	if len(personas) != 6 {
		t.Fatalf("personas = %d", len(personas))
	}
	seen := make(map[string]bool)
	hasDefault := false
	for _, p := range personas {
		if p.ID == "" || p.Name == "" || p.Role == "" || p.Description == "" {
			t.Errorf("persona %q missing fields", p.ID)
		}
		if len(p.Keywords) == 0 && p.ID != DefaultPersonaID {
			t.Errorf("persona %q has no keywords", p.ID)
		}
		if seen[p.ID] {
			t.Errorf("duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if p.ID == DefaultPersonaID {
			hasDefault = true
		}
	}
	if !hasDefault {
		t.Error("default persona missing from the built-in roster")
	}
}
