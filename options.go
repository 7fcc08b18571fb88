package eternity

// engineConfig holds the construction-time knobs consumed once by
// NewEngine and then discarded; runtime behaviour lives on Engine
// itself.
type engineConfig struct {
	activityWorkers        int
	maxConcurrentWorkflows int
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		activityWorkers:        8,
		maxConcurrentWorkflows: 16,
	}
}

// Option configures an Engine at construction time.
type Option func(*Engine, *engineConfig)

// WithSerializer overrides the default go-rtl Serializer.
func WithSerializer(s Serializer) Option {
	return func(e *Engine, _ *engineConfig) { e.serializer = s }
}

// WithClock overrides the default wall-clock Clock; tests pass a
// FixedClock so timer-driven scenarios never sleep.
func WithClock(c Clock) Option {
	return func(e *Engine, _ *engineConfig) { e.clock = c }
}

// WithScope supplies the dependency Scope used to resolve Inject-
// tagged activity parameters.
func WithScope(s Scope) Option {
	return func(e *Engine, _ *engineConfig) { e.scope = s }
}

// WithLogger overrides the default slog-backed Logger.
func WithLogger(l Logger) Option {
	return func(e *Engine, _ *engineConfig) { e.logger = l }
}

// WithActivityWorkers sets the size of the activity worker pool.
func WithActivityWorkers(n int) Option {
	return func(_ *Engine, cfg *engineConfig) {
		if n > 0 {
			cfg.activityWorkers = n
		}
	}
}

// WithMaxConcurrentWorkflows bounds how many workflow replays run at
// once across the engine.
func WithMaxConcurrentWorkflows(n int) Option {
	return func(_ *Engine, cfg *engineConfig) {
		if n > 0 {
			cfg.maxConcurrentWorkflows = n
		}
	}
}
