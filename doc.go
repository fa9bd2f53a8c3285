// Package hydra is a multi-agent gateway for Gemini models.
//
// It routes each request to a persona, assembles the model context
// (system prompt, file attachments, session history), runs a streaming
// tool-calling loop against the provider, and reports progress as
// server events. Providers, tools, and session stores are interfaces,
// so the engine stays independent of transport and storage.
//
// # Quick Start
//
// Build an engine from a roster, a provider, and a tool registry:
//
//	roster := hydra.NewRoster(hydra.DefaultPersonas())
//	secrets := hydra.NewSecretVault(os.Getenv("GEMINI_API_KEY"))
//	provider := hydra.WithRetry(gemini.New())
//
//	registry := hydra.NewToolRegistry()
//	registry.Add(file.New(workDir))
//	registry.Add(web.New())
//
//	store := sqlite.New("hydra.db")
//	assembler := hydra.NewAssembler(roster, secrets, store, provider, slog.Default())
//	engine := hydra.NewEngine(assembler, provider, registry,
//		hydra.EngineStore(store),
//		hydra.EngineWorkDir(workDir),
//	)
//
//	events := make(chan hydra.ServerEvent, 64)
//	go drain(events)
//	answer, err := engine.Execute(ctx, hydra.ExecuteRequest{Prompt: "explain this repo"}, events)
//
// # Personas
//
// A [Persona] binds a name to a system prompt, a model tier, and the
// routing keywords the classifier matches against. Requests pick a
// persona explicitly ("@geralt fix this"), through a session lock, or
// through keyword classification with an optional cheap-model fallback.
//
// # Tools and delegation
//
// Tools implement [Tool] and are dispatched in parallel per model turn.
// The reserved call_agent tool re-enters the engine as another persona,
// up to a fixed delegation depth. Multi-agent pipelines and fan-out are
// available through [Engine.Orchestrate].
//
// Subpackages provide the concrete pieces: provider/gemini for the
// model API, tools/* for the built-in tool set, store/sqlite and
// store/postgres for session persistence, gateway for the WebSocket
// surface, and observer for OpenTelemetry wiring.
package hydra
