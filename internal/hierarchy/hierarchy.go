// Package hierarchy derives the leader/sub-leader/teammate tree for a session
// from its declared agents and connections. The graph is built and validated
// once, at session creation, and is immutable afterwards.
package hierarchy

import (
	"fmt"
	"slices"

	"github.com/zulandar/teamyard/internal/config"
)

// Role is an agent's declared role.
type Role string

const (
	Leader   Role = "leader"
	Teammate Role = "teammate"
)

// Palette is the color sequence assigned to agents by declaration order.
var Palette = []string{"blue", "green", "purple", "orange", "pink", "cyan", "yellow", "red"}

// Agent is one node of the derived hierarchy.
type Agent struct {
	Name         string   `json:"name"`
	Role         Role     `json:"role"`
	Lead         string   `json:"lead_agent,omitempty"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"-"`
	Connections  []string `json:"connections"`
	Color        string   `json:"color"`
	Depth        int      `json:"depth"`
}

// Graph is the validated hierarchy of one session.
type Graph struct {
	order    []string
	agents   map[string]*Agent
	adj      map[string]map[string]bool
	children map[string][]string
	top      string
}

// Build validates team and derives every agent's lead.
//
// Explicit lead_agent values win. The top leader is the first-declared leader
// without one; with no declared leader the first agent is promoted. Other
// leaders take the nearest leader above them on a breadth-first walk from
// the top. Teammates take the nearest leader by connection distance, ties
// going to the deeper leader and then to declaration order.
func Build(team config.Team) (*Graph, error) {
	if err := team.Normalize(); err != nil {
		return nil, fmt.Errorf("hierarchy: %w", err)
	}

	g := &Graph{
		agents:   make(map[string]*Agent, len(team.Agents)),
		adj:      make(map[string]map[string]bool, len(team.Agents)),
		children: make(map[string][]string),
	}
	hasLeader := false
	for i, spec := range team.Agents {
		a := &Agent{
			Name:         spec.Name,
			Role:         Role(spec.Role),
			Lead:         spec.LeadAgent,
			Provider:     spec.Provider,
			Model:        spec.Model,
			SystemPrompt: spec.SystemPrompt,
			Color:        Palette[i%len(Palette)],
		}
		if a.Role == Leader {
			hasLeader = true
		}
		g.order = append(g.order, a.Name)
		g.agents[a.Name] = a
		g.adj[a.Name] = make(map[string]bool)
	}
	if !hasLeader {
		g.agents[g.order[0]].Role = Leader
	}

	link := func(a, b string) {
		g.adj[a][b] = true
		g.adj[b][a] = true
	}
	for _, spec := range team.Agents {
		for _, c := range spec.Connections {
			link(spec.Name, c)
		}
	}
	for _, e := range team.Connections {
		link(e.From, e.To)
	}
	for _, name := range g.order {
		a := g.agents[name]
		for _, other := range g.order {
			if g.adj[name][other] {
				a.Connections = append(a.Connections, other)
			}
		}
	}

	for _, name := range g.order {
		a := g.agents[name]
		if a.Role == Leader && a.Lead == "" {
			g.top = name
			break
		}
	}
	if g.top == "" {
		return nil, fmt.Errorf("hierarchy: no top leader (every leader declares a lead_agent)")
	}
	for _, name := range g.order {
		a := g.agents[name]
		if a.Lead != "" && g.agents[a.Lead].Role != Leader {
			return nil, fmt.Errorf("hierarchy: %s: lead_agent %s is not a leader", name, a.Lead)
		}
	}

	g.assignLeaderLeads()
	if err := g.assignTeammateLeads(); err != nil {
		return nil, err
	}
	if err := g.finish(); err != nil {
		return nil, err
	}
	return g, nil
}

// assignLeaderLeads walks outward from the top leader and gives each
// unassigned leader the closest leader on its path from the top.
func (g *Graph) assignLeaderLeads() {
	nearest := map[string]string{g.top: g.top}
	queue := []string{g.top}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.neighbors(cur) {
			if _, seen := nearest[next]; seen {
				continue
			}
			a := g.agents[next]
			if a.Role == Leader && a.Lead == "" && next != g.top {
				a.Lead = nearest[cur]
			}
			if a.Role == Leader {
				nearest[next] = next
			} else {
				nearest[next] = nearest[cur]
			}
			queue = append(queue, next)
		}
	}
}

// assignTeammateLeads runs after leaders have depths so ties can prefer the
// deeper leader.
func (g *Graph) assignTeammateLeads() error {
	depth := make(map[string]int)
	var leaderDepth func(name string, seen map[string]bool) (int, error)
	leaderDepth = func(name string, seen map[string]bool) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if name == g.top {
			depth[name] = 0
			return 0, nil
		}
		if seen[name] {
			return 0, fmt.Errorf("hierarchy: lead cycle through %s", name)
		}
		seen[name] = true
		lead := g.agents[name].Lead
		if lead == "" {
			return 0, fmt.Errorf("hierarchy: leader %s is not connected to %s", name, g.top)
		}
		d, err := leaderDepth(lead, seen)
		if err != nil {
			return 0, err
		}
		depth[name] = d + 1
		return d + 1, nil
	}
	for _, name := range g.order {
		if g.agents[name].Role == Leader {
			if _, err := leaderDepth(name, map[string]bool{}); err != nil {
				return err
			}
		}
	}

	for _, name := range g.order {
		a := g.agents[name]
		if a.Role != Teammate || a.Lead != "" {
			continue
		}
		dist := g.distances(name)
		best, bestDist := "", -1
		for _, cand := range g.order {
			if g.agents[cand].Role != Leader {
				continue
			}
			d, ok := dist[cand]
			if !ok {
				continue
			}
			if best == "" || d < bestDist || (d == bestDist && depth[cand] > depth[best]) {
				best, bestDist = cand, d
			}
		}
		if best == "" {
			return fmt.Errorf("hierarchy: teammate %s is not connected to any leader", name)
		}
		a.Lead = best
	}
	return nil
}

// finish builds children lists, computes depths and rejects cycles.
func (g *Graph) finish() error {
	for _, name := range g.order {
		if name == g.top {
			continue
		}
		lead := g.agents[name].Lead
		g.children[lead] = append(g.children[lead], name)
	}
	for _, name := range g.order {
		d := 0
		seen := map[string]bool{name: true}
		for cur := name; cur != g.top; {
			cur = g.agents[cur].Lead
			if cur == "" || seen[cur] {
				return fmt.Errorf("hierarchy: %s does not reach top leader %s", name, g.top)
			}
			seen[cur] = true
			d++
		}
		g.agents[name].Depth = d
	}
	return nil
}

// distances returns breadth-first hop counts from name over connections.
func (g *Graph) distances(name string) map[string]int {
	dist := map[string]int{name: 0}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.neighbors(cur) {
			if _, ok := dist[next]; ok {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// neighbors returns cur's connections in declaration order.
func (g *Graph) neighbors(cur string) []string {
	return g.agents[cur].Connections
}

// Top returns the top leader's name.
func (g *Graph) Top() string { return g.top }

// Names returns agent names in declaration order.
func (g *Graph) Names() []string { return slices.Clone(g.order) }

// Agent returns a copy of the named agent.
func (g *Graph) Agent(name string) (Agent, bool) {
	a, ok := g.agents[name]
	if !ok {
		return Agent{}, false
	}
	cp := *a
	cp.Connections = slices.Clone(a.Connections)
	return cp, true
}

// Agents returns copies of every agent in declaration order.
func (g *Graph) Agents() []Agent {
	out := make([]Agent, 0, len(g.order))
	for _, name := range g.order {
		a, _ := g.Agent(name)
		out = append(out, a)
	}
	return out
}

// Has reports whether name is an agent of this session.
func (g *Graph) Has(name string) bool {
	_, ok := g.agents[name]
	return ok
}

// Lead returns name's lead, or "" for the top leader.
func (g *Graph) Lead(name string) string {
	if a, ok := g.agents[name]; ok {
		return a.Lead
	}
	return ""
}

// IsLeader reports whether name has the leader role.
func (g *Graph) IsLeader(name string) bool {
	a, ok := g.agents[name]
	return ok && a.Role == Leader
}

// Children returns the agents that report directly to name.
func (g *Graph) Children(name string) []string {
	return slices.Clone(g.children[name])
}

// Subtree returns every agent below name, excluding name itself.
func (g *Graph) Subtree(name string) []string {
	var out []string
	queue := slices.Clone(g.children[name])
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, g.children[cur]...)
	}
	return out
}

// InSubtree reports whether target sits below name.
func (g *Graph) InSubtree(name, target string) bool {
	for cur := g.Lead(target); cur != ""; cur = g.Lead(cur) {
		if cur == name {
			return true
		}
	}
	return false
}

// Connected reports whether a and b declared a connection.
func (g *Graph) Connected(a, b string) bool {
	return g.adj[a] != nil && g.adj[a][b]
}

// CanMessage reports whether from may address to directly. Everyone may
// reach their lead and declared connections; leaders may also reach
// anyone in their subtree.
func (g *Graph) CanMessage(from, to string) bool {
	if from == to || !g.Has(from) || !g.Has(to) {
		return false
	}
	if g.Lead(from) == to || g.Connected(from, to) {
		return true
	}
	return g.IsLeader(from) && g.InSubtree(from, to)
}

// BroadcastTargets returns the declared connections of from.
func (g *Graph) BroadcastTargets(from string) []string {
	if a, ok := g.agents[from]; ok {
		return slices.Clone(a.Connections)
	}
	return nil
}

// CanSeeTask reports whether viewer may see a task owned by owner. The top
// leader sees everything; other leaders see their subtree; everyone sees
// their own and unassigned tasks.
func (g *Graph) CanSeeTask(viewer, owner string) bool {
	if viewer == g.top || owner == "" || owner == viewer {
		return true
	}
	return g.IsLeader(viewer) && g.InSubtree(viewer, owner)
}

// CanAssign reports whether caller may set a task's owner to owner.
func (g *Graph) CanAssign(caller, owner string) bool {
	if owner == caller {
		return true
	}
	if !g.Has(owner) {
		return false
	}
	return caller == g.top || (g.IsLeader(caller) && g.InSubtree(caller, owner))
}
