package dispatcher

import (
	"strings"

	"github.com/fentz26/courier/internal/models"
)

// Rule routes requests whose path starts with Prefix into Lane.
type Rule struct {
	Prefix   string
	Lane     models.Lane
	Priority int
}

// DefaultRules sends /high-priority traffic through the priority lane.
func DefaultRules() []Rule {
	return []Rule{{Prefix: "/high-priority", Lane: models.LanePriority, Priority: 1}}
}

// Classifier maps request paths to lanes. The first matching rule wins.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier over rules.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the lane and default priority for path.
func (c *Classifier) Classify(path string) (models.Lane, int) {
	for _, r := range c.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Lane, r.Priority
		}
	}
	return models.LaneNormal, 0
}

// Prefixes returns every configured prefix, for route registration.
func (c *Classifier) Prefixes() []string {
	out := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r.Prefix)
	}
	return out
}
