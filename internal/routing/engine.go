package routing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

// AssignmentRule says how a rule or sequence picks the agent for generated work.
type AssignmentRule struct {
	Strategy Strategy `json:"type"`

	// Pool is used by round_robin, weighted and skill_based.
	Pool []Agent `json:"user_pool,omitempty"`
	// Territories maps a lead territory to the owning agent.
	Territories map[string]string `json:"territories,omitempty"`
	Skill       string            `json:"skill,omitempty"`

	FallbackUserID string `json:"fallback_user_id,omitempty"`
}

type Agent struct {
	UserID string `json:"user_id"`
	// Weight only matters for the weighted strategy and must be > 0 there.
	Weight int `json:"weight,omitempty"`
}

func (a AssignmentRule) Validate() error {
	if a.Strategy == "" {
		return nil
	}
	if !a.Strategy.Valid() {
		return tasks.Invalid("assignment_rule.type", "is not a known strategy")
	}
	switch a.Strategy {
	case StrategyRoundRobin, StrategyWeighted:
		if len(a.Pool) == 0 {
			return tasks.Invalid("assignment_rule.user_pool", "is required for "+string(a.Strategy))
		}
	case StrategyTerritory:
		if len(a.Territories) == 0 {
			return tasks.Invalid("assignment_rule.territories", "is required for territory")
		}
	case StrategySkillBased:
		if a.Skill == "" || len(a.Pool) == 0 {
			return tasks.Invalid("assignment_rule.skill", "skill and user_pool are required for skill_based")
		}
	}
	return nil
}

// RouteInput is everything the router may look at.
type RouteInput struct {
	// Key scopes round-robin rotation, usually the rule or sequence id.
	Key        string
	Assignment AssignmentRule

	// OriginalUserID is the user on the triggering event.
	OriginalUserID string
	Territory      string
}

// Router assigns generated followups and tasks to agents.
//
// Order:
//  1. Strategy (original user, round robin, weighted, territory, skill)
//  2. FallbackUserID, then the event's user
//  3. Delegation override for the chosen agent
//
// Route has no side effects besides advancing round-robin cursors.
type Router struct {
	Overrides *AdminOverrideEngine
	Users     users.Directory

	RNG *rand.Rand
	Now func() time.Time

	mu      sync.Mutex
	cursors map[string]int
}

func NewRouter(dir users.Directory, rng *rand.Rand) *Router {
	return &Router{Users: dir, RNG: rng, Now: time.Now, cursors: map[string]int{}}
}

func (r *Router) Route(ctx context.Context, in RouteInput) (Decision, error) {
	strategy := in.Assignment.Strategy
	if strategy == "" {
		strategy = StrategyOriginalUser
	}

	d := Decision{Strategy: strategy}
	switch strategy {
	case StrategyRoundRobin:
		d.AssigneeID = r.nextInPool(ctx, in.Key, in.Assignment.Pool, "")
	case StrategyWeighted:
		d.AssigneeID, _ = r.pickWeighted(ctx, in.Assignment.Pool)
	case StrategyTerritory:
		if in.Territory != "" {
			d.AssigneeID = in.Assignment.Territories[in.Territory]
		}
	case StrategySkillBased:
		d.AssigneeID = r.nextInPool(ctx, in.Key, in.Assignment.Pool, in.Assignment.Skill)
	default:
		d.AssigneeID = in.OriginalUserID
	}
	d.Reason = "selected"

	if d.AssigneeID == "" {
		switch {
		case in.Assignment.FallbackUserID != "":
			d.AssigneeID, d.Reason = in.Assignment.FallbackUserID, "fallback_user"
		case in.OriginalUserID != "":
			d.AssigneeID, d.Reason = in.OriginalUserID, "event_user"
		default:
			d.Reason = "unassigned"
			return d, nil
		}
	}

	if r.Overrides != nil {
		to, applied, err := r.Overrides.Decide(ctx, d.AssigneeID)
		if err != nil {
			return Decision{}, err
		}
		if applied {
			d.AssigneeID = to
		}
	}
	return d, nil
}

// nextInPool rotates through the pool per key, skipping users that are
// inactive or lack skill. Returns "" when nobody qualifies.
func (r *Router) nextInPool(ctx context.Context, key string, pool []Agent, skill string) string {
	if len(pool) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = map[string]int{}
	}
	start := r.cursors[key]
	for i := 0; i < len(pool); i++ {
		idx := (start + i) % len(pool)
		if !r.eligible(ctx, pool[idx].UserID, skill) {
			continue
		}
		r.cursors[key] = idx + 1
		return pool[idx].UserID
	}
	return ""
}

func (r *Router) eligible(ctx context.Context, userID, skill string) bool {
	if userID == "" {
		return false
	}
	if r.Users == nil {
		return skill == ""
	}
	u, err := r.Users.GetUser(ctx, userID)
	if err != nil || !u.Active {
		return false
	}
	return skill == "" || u.HasSkill(skill)
}

func (r *Router) pickWeighted(ctx context.Context, pool []Agent) (string, bool) {
	var total int
	for _, a := range pool {
		if a.Weight <= 0 || !r.eligible(ctx, a.UserID, "") {
			continue
		}
		total += a.Weight
	}
	if total <= 0 {
		return "", false
	}

	r.mu.Lock()
	rng := r.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		r.RNG = rng
	}
	n := rng.Intn(total) // 0..total-1
	r.mu.Unlock()

	var acc int
	for _, a := range pool {
		if a.Weight <= 0 || !r.eligible(ctx, a.UserID, "") {
			continue
		}
		acc += a.Weight
		if n < acc {
			return a.UserID, true
		}
	}
	return "", false
}
