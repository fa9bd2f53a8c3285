package hydra

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// DefaultPersonaID always exists in the roster and is the classifier's
// fallback when nothing matches.
const DefaultPersonaID = "eskel"

// Roster holds the process-wide persona snapshot. Reads are lock-cheap;
// refresh (CRUD mutation events) swaps the whole list under the write lock.
type Roster struct {
	mu       sync.RWMutex
	personas []Persona
}

// NewRoster creates a roster seeded with the given personas, or the built-in
// defaults when none are given.
func NewRoster(personas []Persona) *Roster {
	if len(personas) == 0 {
		personas = DefaultPersonas()
	}
	return &Roster{personas: personas}
}

// All returns the current snapshot. The returned slice must not be mutated.
func (r *Roster) All() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.personas
}

// Replace swaps the snapshot. The default persona is appended if missing so
// the classifier fallback invariant holds regardless of what a refresh loads.
func (r *Roster) Replace(personas []Persona) {
	if len(personas) == 0 {
		return
	}
	hasDefault := false
	for _, p := range personas {
		if p.ID == DefaultPersonaID {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		for _, p := range DefaultPersonas() {
			if p.ID == DefaultPersonaID {
				personas = append(personas, p)
				break
			}
		}
	}
	r.mu.Lock()
	r.personas = personas
	r.mu.Unlock()
}

// Get finds a persona by id.
func (r *Roster) Get(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Resolve finds a persona by id or case-insensitive name.
func (r *Roster) Resolve(idOrName string) (Persona, bool) {
	if p, ok := r.Get(idOrName); ok {
		return p, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.personas {
		if strings.EqualFold(p.Name, idOrName) {
			return p, true
		}
	}
	return Persona{}, false
}

// Default returns the fallback persona.
func (r *Roster) Default() Persona {
	p, ok := r.Get(DefaultPersonaID)
	if !ok {
		all := r.All()
		if len(all) > 0 {
			return all[0]
		}
	}
	return p
}

// PickModel applies the persona's A/B split to a resolved model. One uniform
// variate per request, no cohort stickiness.
func (p Persona) PickModel(resolved string) string {
	if p.ModelB != "" && p.ABSplit > 0 && rand.Float64() < p.ABSplit {
		return p.ModelB
	}
	return resolved
}

// DefaultPersonas is the built-in roster used until the store provides one.
func DefaultPersonas() []Persona {
	return []Persona{
		{
			ID: "geralt", Name: "Geralt", Role: "Senior engineer", Tier: TierThinking, Status: "active",
			Description: "Implementation, debugging, and refactoring of code.",
			Keywords: []string{
				"code", "kod", "bug", "debug", "fix", "napraw", "refactor", "refaktoryzacja",
				"implement", "zaimplementuj", "function", "funkcja", "compile", "error", "blad",
				"test", "typescript", "python", "golang", "rust",
			},
		},
		{
			ID: "yennefer", Name: "Yennefer", Role: "Architect", Tier: TierThinking, Status: "active",
			Description: "System design, architecture reviews, and trade-off analysis.",
			Keywords: []string{
				"architecture", "architektura", "design", "projekt", "scalability", "skalowalnosc",
				"database", "baza danych", "microservice", "mikroserwis", "api", "schema",
			},
		},
		{
			ID: "triss", Name: "Triss", Role: "Researcher", Tier: TierChat, Status: "active",
			Description: "Web research, documentation lookup, and summarization.",
			Keywords: []string{
				"search", "szukaj", "research", "zbadaj", "find", "znajdz", "documentation",
				"dokumentacja", "article", "artykul", "website", "strona", "crawl", "fetch",
			},
		},
		{
			ID: "vesemir", Name: "Vesemir", Role: "Reviewer", Tier: TierThinking, Status: "active",
			Description: "Code review, security audit, and quality assessment.",
			Keywords: []string{
				"review", "przeglad", "audit", "audyt", "security", "bezpieczenstwo",
				"vulnerability", "podatnosc", "quality", "jakosc", "lint",
			},
		},
		{
			ID: "jaskier", Name: "Jaskier", Role: "Writer", Tier: TierChat, Status: "active",
			Description: "Prose, documentation, and communication drafting.",
			Keywords: []string{
				"write", "napisz", "draft", "szkic", "email", "post", "readme",
				"translate", "przetlumacz", "summary", "podsumowanie",
			},
		},
		{
			ID: DefaultPersonaID, Name: "Eskel", Role: "Generalist", Tier: TierChat, Status: "active",
			Description: "General assistance when no specialist clearly applies.",
			Keywords:    []string{"help", "pomoc", "explain", "wyjasnij", "question", "pytanie"},
		},
	}
}
