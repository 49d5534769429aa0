package routing

// Decision is the output of assignment routing: who gets the generated work.
//
// Reason is for internal logs/metrics only. Delegation overrides leave it
// untouched so API callers cannot tell a redirect happened.
type Decision struct {
	AssigneeID string   `json:"assignee_id"`
	Strategy   Strategy `json:"strategy"`
	Reason     string   `json:"reason,omitempty"`
}

type Strategy string

const (
	StrategyOriginalUser Strategy = "original_user"
	StrategyRoundRobin   Strategy = "round_robin"
	StrategyWeighted     Strategy = "weighted"
	StrategyTerritory    Strategy = "territory"
	StrategySkillBased   Strategy = "skill_based"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyOriginalUser, StrategyRoundRobin, StrategyWeighted, StrategyTerritory, StrategySkillBased:
		return true
	default:
		return false
	}
}
