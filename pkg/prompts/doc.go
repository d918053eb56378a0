// Package prompts renders prompt templates. A template id such as
// "agent.system" resolves to "agent.system.md" in the profile's prompts
// directory first, then the global prompts directory, then the built-in set.
package prompts
