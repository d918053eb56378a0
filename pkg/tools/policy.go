package tools

// Policy defines which tools an agent can use
type Policy struct {
	Allow []string `json:"allow" yaml:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny" yaml:"deny"`   // List of denied tools (overrides allow)
}

// Allows checks if a tool is allowed by the policy
func (p *Policy) Allows(toolName string) bool {
	if p == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}
	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// AllowAll is a policy admitting every tool
func AllowAll() *Policy {
	return &Policy{Allow: []string{"*"}}
}
