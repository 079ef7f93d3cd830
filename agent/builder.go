// Model I/O builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

// Builder provides fluent configuration for a thread's ModelIO.
// Usage: agent.NewBuilder(threadID).UserID("u1").MaxRounds(8).Build()
type Builder struct {
	cfg Config
}

// NewBuilder starts a configuration for threadID.
func NewBuilder(threadID int64) *Builder {
	return &Builder{cfg: Config{ThreadID: threadID}}
}

// UserID sets the delivery recipient.
func (b *Builder) UserID(id string) *Builder {
	b.cfg.UserID = id
	return b
}

// Intent sets the usage label.
func (b *Builder) Intent(intent string) *Builder {
	b.cfg.Intent = intent
	return b
}

// SystemPrompt sets the system prompt.
func (b *Builder) SystemPrompt(prompt string) *Builder {
	b.cfg.SystemPrompt = prompt
	return b
}

// MaxRounds sets the per-message round bound.
func (b *Builder) MaxRounds(n int) *Builder {
	b.cfg.MaxRounds = n
	return b
}

// Temperature overrides the provider temperature.
func (b *Builder) Temperature(t float32) *Builder {
	b.cfg.Temperature = &t
	return b
}

// Build returns the configuration with defaults applied.
func (b *Builder) Build() Config {
	return b.cfg.withDefaults()
}
