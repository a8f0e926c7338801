// Package model provides capability-based model selection for the workers
// the WorkflowEngine dispatches. Instead of hardcoding model names, a
// request names a capability (planning, coding, testing, reviewing,
// researching) and the registry resolves it to an available model with a
// fallback chain.
package model

// Capability represents a semantic capability for model selection.
// Instead of specifying "claude-sonnet", callers specify "coding" or
// "reviewing".
type Capability string

const (
	// CapabilityPlanning is for high-level reasoning, architecture and
	// task-breakdown decisions (meeting.LLMPlanner's default).
	CapabilityPlanning Capability = "planning"

	// CapabilityWriting is for documentation, proposals, specifications.
	CapabilityWriting Capability = "writing"

	// CapabilityCoding is for code generation, implementation.
	CapabilityCoding Capability = "coding"

	// CapabilityTesting is for writing and reasoning about automated tests.
	CapabilityTesting Capability = "testing"

	// CapabilityReviewing is for code review, quality analysis.
	CapabilityReviewing Capability = "reviewing"

	// CapabilityResearching is for investigating approaches and gathering
	// context before implementation.
	CapabilityResearching Capability = "researching"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// RoleCapabilities maps a dispatched worker's type (§4.3's five catalogued
// types: developer, test, review, research, design) to its default
// capability, used when a task carries no explicit capability override.
var RoleCapabilities = map[string]Capability{
	"developer": CapabilityCoding,
	"test":      CapabilityTesting,
	"review":    CapabilityReviewing,
	"research":  CapabilityResearching,
	"design":    CapabilityPlanning,
}

// CapabilityForRole returns the default capability for a given worker type.
// Returns CapabilityCoding as fallback for unrecognized types.
func CapabilityForRole(role string) Capability {
	if capVal, ok := RoleCapabilities[role]; ok {
		return capVal
	}
	return CapabilityCoding
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPlanning, CapabilityWriting, CapabilityCoding, CapabilityTesting, CapabilityReviewing, CapabilityResearching, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	capVal := Capability(s)
	if capVal.IsValid() {
		return capVal
	}
	return ""
}
