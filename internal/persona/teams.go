// ABOUTME: Groups the roster into display teams for the agents sidebar
// ABOUTME: Unmapped personas land in the strategy team

package persona

import "github.com/2389/command-center/internal/protocol"

// Team is a named group of agents shown together in front ends.
type Team struct {
	Name   string               `json:"name"`
	Label  string               `json:"label"`
	Icon   string               `json:"icon"`
	Color  string               `json:"color"`
	Agents []protocol.AgentInfo `json:"agents"`
}

const defaultTeam = "strategy"

var teamDefs = []Team{
	{Name: "orchestrators", Label: "Orchestrators", Icon: "\U0001F3AF", Color: "#8b5cf6"},
	{Name: "content", Label: "Content", Icon: "✏️", Color: "#f97316"},
	{Name: "strategy", Label: "Strategy", Icon: "\U0001F9E0", Color: "#06b6d4"},
	{Name: "digital", Label: "Digital", Icon: "\U0001F310", Color: "#3b82f6"},
	{Name: "analytics", Label: "Analytics", Icon: "\U0001F4CA", Color: "#10b981"},
	{Name: "campaigns", Label: "Campaigns", Icon: "\U0001F4E8", Color: "#f59e0b"},
}

var teamOf = map[string]string{
	"cmo":                              "orchestrators",
	"analyst":                          "orchestrators",
	"content-marketing-strategist":     "content",
	"lead-writer":                      "content",
	"monthly-content-planner":          "content",
	"creative-director":                "content",
	"brand-strategy-consultant":        "strategy",
	"market-research-specialist":       "strategy",
	"crisis-response-specialist":       "strategy",
	"seo-optimization-specialist":      "digital",
	"social-media-strategist":          "digital",
	"conversion-flow-optimizer":        "digital",
	"website-analysis-specialist":      "digital",
	"marketing-analytics-specialist":   "analytics",
	"competitive-intelligence-analyst": "analytics",
	"email-marketing-specialist":       "campaigns",
	"paid-media-specialist":            "campaigns",
}

// Teams groups agents in team order, omitting empty teams.
func Teams(agents []*Agent) []Team {
	buckets := make(map[string][]protocol.AgentInfo, len(teamDefs))
	for _, a := range agents {
		name, ok := teamOf[a.Name]
		if !ok {
			name = defaultTeam
			if a.IsOrchestrator {
				name = "orchestrators"
			}
		}
		buckets[name] = append(buckets[name], a.Info())
	}

	teams := make([]Team, 0, len(teamDefs))
	for _, def := range teamDefs {
		members := buckets[def.Name]
		if len(members) == 0 {
			continue
		}
		def.Agents = members
		teams = append(teams, def)
	}
	return teams
}
