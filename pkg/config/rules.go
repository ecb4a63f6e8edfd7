package config

// RecordFilter values accepted in rule record_filter fields.
const (
	RecordFilterAllowAll = "allow_all"
	RecordFilterDenyAAAA = "deny_aaaa"
	RecordFilterDenyA    = "deny_a"
)

// RuleConfig defines one resolution rule. A rule matches a query when
// every configured dimension matches (AND logic); empty dimensions
// match anything. Rules are applied first-match-wins, ordered by
// ascending priority with declaration order breaking ties.
type RuleConfig struct {
	Name             string   `yaml:"name"`
	Priority         int      `yaml:"priority"`
	ClientCIDRs      []string `yaml:"client_cidrs"`
	Domains          []string `yaml:"domains"`
	RecordFilter     string   `yaml:"record_filter"`
	Upstreams        []string `yaml:"upstreams"`
	Countries        []string `yaml:"countries"`
	RequireReachable bool     `yaml:"require_reachable"`
	When             string   `yaml:"when"`
	Enabled          *bool    `yaml:"enabled"`
}

// IsEnabled reports whether the rule participates in matching.
// Rules are enabled unless explicitly disabled.
func (r *RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func (r *RuleConfig) ApplyDefaults() {
	if r.Priority == 0 {
		r.Priority = 50
	}
	if r.RecordFilter == "" {
		r.RecordFilter = RecordFilterAllowAll
	}
}

// Validate validates a resolution rule
func (r *RuleConfig) Validate() error {
	if r.Name == "" {
		return ErrInvalidName
	}

	switch r.RecordFilter {
	case RecordFilterAllowAll, RecordFilterDenyAAAA, RecordFilterDenyA:
	default:
		return ErrInvalidRecordFilter
	}

	for _, upstream := range r.Upstreams {
		if upstream == "" {
			return ErrInvalidUpstream
		}
	}

	if r.Priority < 1 || r.Priority > 100 {
		return ErrInvalidPriority
	}

	return nil
}

// Errors for validation
var (
	ErrInvalidName         = &ConfigError{Field: "name", Message: "rule name cannot be empty"}
	ErrInvalidRecordFilter = &ConfigError{Field: "record_filter", Message: "must be allow_all, deny_aaaa, or deny_a"}
	ErrInvalidUpstream     = &ConfigError{Field: "upstreams", Message: "upstream cannot be empty"}
	ErrInvalidPriority     = &ConfigError{Field: "priority", Message: "priority must be between 1 and 100"}
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config validation error: " + e.Field + ": " + e.Message
}
