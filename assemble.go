package hydra

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ExecuteRequest is one caller request entering the engine.
type ExecuteRequest struct {
	Prompt        string
	Mode          string // persona id, "auto", or empty
	Model         string // explicit model override
	SessionID     string
	MaxIterations int // user cap; 0 means no cap beyond the dynamic ceiling
	CallDepth     int
	WorkingDir    string
	ResponseStyle string // "", "concise", "detailed"
}

// Assembler builds the turn envelope for one request: persona, model,
// system prompt, augmented user prompt, and generation parameters.
type Assembler struct {
	roster  *Roster
	secrets *SecretVault
	store   SessionStore
	// fallback provider for low-confidence classification; nil disables it.
	fallback Provider
	cache    *promptCache
	logger   *slog.Logger
}

// NewAssembler wires an assembler. store and fallback may be nil.
func NewAssembler(roster *Roster, secrets *SecretVault, store SessionStore, fallback Provider, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = nopLogger
	}
	return &Assembler{
		roster:   roster,
		secrets:  secrets,
		store:    store,
		fallback: fallback,
		cache:    newPromptCache(1024),
		logger:   logger,
	}
}

// Assemble resolves the persona and produces the envelope. It never fails:
// a missing credential yields an envelope with an empty credential, which
// the engine surfaces as NO_API_KEY; store failures degrade to defaults.
func (a *Assembler) Assemble(ctx context.Context, req ExecuteRequest) Envelope {
	prompt := strings.TrimSpace(req.Prompt)
	persona, confidence, reasoning, prompt := a.resolvePersona(ctx, req, prompt)

	lang := detectLanguage(prompt)
	model := a.resolveModel(req, persona, prompt)

	fc := BuildFileContext(prompt, req.WorkingDir)
	final := composePrompt(prompt, fc, req, persona, lang)

	temperature := 0.7
	if persona.TemperatureOverride > 0 {
		temperature = persona.TemperatureOverride
	}
	thinking := persona.ThinkingLevelOverride
	if thinking == "" {
		if ModelTier(model) == TierThinking {
			thinking = "medium"
		} else {
			thinking = "none"
		}
	}

	cred := Credential{}
	if a.secrets != nil {
		cred = a.secrets.Credential()
	}

	ceiling := iterationCeiling(len(prompt), len(fc.FilesLoaded))
	maxIter := ceiling
	if req.MaxIterations > 0 && req.MaxIterations < maxIter {
		maxIter = req.MaxIterations
	}
	if maxIter < 1 {
		maxIter = 1
	}

	return Envelope{
		PersonaID:       persona.ID,
		Confidence:      confidence,
		Reasoning:       reasoning,
		Model:           model,
		Credential:      cred.Value,
		IsOAuth:         cred.IsOAuth,
		SystemPrompt:    a.systemPrompt(persona, lang, model, req.WorkingDir),
		FinalUserPrompt: final,
		FilesLoaded:     fc.FilesLoaded,
		Steps:           planSteps(persona, fc),
		Temperature:     temperature,
		TopP:            0.9,
		MaxOutputTokens: MaxOutputTokensFor(model),
		MaxIterations:   maxIter,
		ThinkingLevel:   thinking,
		ResponseStyle:   req.ResponseStyle,
		CallDepth:       req.CallDepth,
		WorkingDir:      req.WorkingDir,
		SessionID:       req.SessionID,
		Language:        lang,
	}
}

// resolvePersona applies the fixed priority order: explicit mode, @prefix,
// session lock, classifier (with optional LLM fallback). The returned prompt
// has any @prefix stripped.
func (a *Assembler) resolvePersona(ctx context.Context, req ExecuteRequest, prompt string) (Persona, float64, string, string) {
	if req.Mode != "" && req.Mode != "auto" {
		if p, ok := a.roster.Resolve(req.Mode); ok {
			return p, 1.0, "explicit persona override", prompt
		}
		a.logger.Warn("unknown persona in mode, falling through", "mode", req.Mode)
	}

	if strings.HasPrefix(prompt, "@") {
		if name, rest, ok := strings.Cut(prompt[1:], " "); ok {
			if p, found := a.roster.Resolve(name); found {
				return p, 0.99, "prompt @prefix", strings.TrimSpace(rest)
			}
		}
	}

	if a.store != nil && req.SessionID != "" {
		if id, ok, err := a.store.SessionAgent(ctx, req.SessionID); err == nil && ok {
			if p, found := a.roster.Get(id); found {
				return p, 0.95, "session persona lock", prompt
			}
		} else if err != nil {
			a.logger.Warn("session agent lookup failed", "error", err)
		}
	}

	personas := a.roster.All()
	cls := Classify(prompt, personas)
	if cls.Confidence < fallbackConfidenceFloor && a.fallback != nil {
		cred := Credential{}
		if a.secrets != nil {
			cred = a.secrets.Credential()
		}
		if cred.Value != "" {
			cls = ClassifyLLM(ctx, a.fallback, cred, prompt, personas, cls)
		}
	}
	p, ok := a.roster.Get(cls.PersonaID)
	if !ok {
		p = a.roster.Default()
	}
	return p, cls.Confidence, cls.Reasoning, prompt
}

// resolveModel applies the fixed priority: explicit > persona override >
// auto-tier by complexity > global default, then the persona's A/B split.
func (a *Assembler) resolveModel(req ExecuteRequest, persona Persona, prompt string) string {
	model := req.Model
	if model == "" {
		model = persona.ModelOverride
	}
	if model == "" {
		model = AutoModelForComplexity(PromptComplexity(prompt))
	}
	if model == "" {
		model = DefaultModel
	}
	return persona.PickModel(model)
}

// iterationCeiling is the dynamic budget before the user cap is applied.
func iterationCeiling(promptLen, filesLoaded int) int {
	switch {
	case promptLen < 200 && filesLoaded <= 1:
		return 15
	case promptLen < 1000 && filesLoaded <= 3:
		return 20
	default:
		return 25
	}
}

// composePrompt concatenates the fixed segments in order: fileContext,
// summaryHint, userPrompt, dirHint, skipWarning, styleHint, qualityWarning,
// collabHint. Absent segments contribute nothing; the order never changes.
func composePrompt(prompt string, fc FileContext, req ExecuteRequest, persona Persona, lang string) string {
	var b strings.Builder
	if fc.Markdown != "" {
		b.WriteString(fc.Markdown)
		b.WriteString("\n")
	}
	if req.SessionID != "" {
		b.WriteString("(Conversation history precedes this message; stay consistent with it.)\n\n")
	}
	b.WriteString(prompt)
	if fc.SawDir {
		b.WriteString("\n\n(A directory was referenced; its manifest files are attached above. Use list_directory for the rest.)")
	}
	if len(fc.FilesLoaded) == maxContextFiles {
		b.WriteString("\n\n(File context hit the attachment limit; some referenced files were skipped.)")
	}
	switch req.ResponseStyle {
	case "concise":
		b.WriteString("\n\nKeep the answer short and direct.")
	case "detailed":
		b.WriteString("\n\nAnswer thoroughly with structured sections.")
	}
	if len(strings.TrimSpace(prompt)) < 8 {
		b.WriteString("\n\n(The request is very short; ask for clarification if intent is unclear.)")
	}
	if req.CallDepth > 0 {
		b.WriteString("\n\n(You were delegated this task by another agent. Return a self-contained result.)")
	}
	return b.String()
}

// planSteps renders the human-readable plan for the plan event.
func planSteps(persona Persona, fc FileContext) []string {
	steps := []string{fmt.Sprintf("route to %s (%s)", persona.Name, persona.Role)}
	if len(fc.FilesLoaded) > 0 {
		steps = append(steps, fmt.Sprintf("load %d referenced file(s)", len(fc.FilesLoaded)))
	}
	steps = append(steps, "run model loop with tool access", "synthesize final answer")
	return steps
}

// detectLanguage tags the prompt "pl" when Polish diacritics or frequent
// Polish function words appear, otherwise "en".
func detectLanguage(prompt string) string {
	if strings.ContainsAny(prompt, "ąćęłńóśźżĄĆĘŁŃÓŚŹŻ") {
		return "pl"
	}
	lower := " " + strings.ToLower(prompt) + " "
	for _, w := range []string{" nie ", " jest ", " czy ", " jak ", " to ", " oraz ", " dla "} {
		if strings.Contains(lower, w) {
			return "pl"
		}
	}
	return "en"
}

// systemPrompt returns a byte-identical string for every lookup of the same
// (persona, language, model, workingDir) key, enabling provider-side
// implicit caching. Racy writes are harmless: the built value is a pure
// function of the key.
func (a *Assembler) systemPrompt(p Persona, lang, model, workingDir string) string {
	key := p.ID + "\x00" + lang + "\x00" + model + "\x00" + workingDir
	if v, ok := a.cache.get(key); ok {
		return v
	}
	v := buildSystemPrompt(p, lang, workingDir)
	a.cache.put(key, v)
	return v
}

func buildSystemPrompt(p Persona, lang, workingDir string) string {
	if p.SystemPromptOverride != "" {
		return p.SystemPromptOverride
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s. %s\n\n", p.Name, p.Role, p.Description)
	b.WriteString("Work in small verifiable steps. Use the declared tools to inspect before you change anything. ")
	b.WriteString("When you promise a file edit, actually apply it with edit_file or write_file. ")
	b.WriteString("Finish with a clear answer to the user's request.\n")
	if workingDir != "" {
		fmt.Fprintf(&b, "\nWorking directory: %s\n", workingDir)
	}
	if lang == "pl" {
		b.WriteString("\nOdpowiadaj po polsku.\n")
	}
	return b.String()
}

// --- bounded system-prompt cache (LRU) ---

type promptCache struct {
	mu    sync.Mutex
	cap   int
	items map[string]*list.Element
	order *list.List
}

type promptEntry struct {
	key   string
	value string
}

func newPromptCache(capacity int) *promptCache {
	return &promptCache{
		cap:   capacity,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *promptCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*promptEntry).value, true
}

func (c *promptCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return // entries are immutable once written
	}
	c.items[key] = c.order.PushFront(&promptEntry{key: key, value: value})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*promptEntry).key)
	}
}
