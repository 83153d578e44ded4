package k8sclient

// Label keys the supervisor stamps onto every object it owns, in either
// environment, so the Garbage Collector (§4.9) can find them again with a
// label selector and so §6's "labels carrying agent_id are always added"
// requirement holds uniformly across ConfigMaps (C4) and deployed objects
// (C6).
const (
	LabelAgentID   = "agent-control.newrelic.com/agent-id"
	LabelManagedBy = "agent-control.newrelic.com/managed-by"
)

// ManagedByValue is the fixed LabelManagedBy value this supervisor stamps,
// distinguishing its objects from anything else sharing the namespace.
const ManagedByValue = "agent-control"

// AgentIDSelector builds the label selector matching every object owned by
// agentID.
func AgentIDSelector(agentID string) string {
	return LabelAgentID + "=" + agentID
}
