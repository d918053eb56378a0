// Package tools holds the tool registry agents invoke through the Invoker
// collaborator interface. Arguments are validated against a JSON schema
// before the handler runs, and a Policy restricts which tools a profile may
// call.
package tools
