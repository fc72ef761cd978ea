package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role values accepted in team files.
const (
	RoleLeader   = "leader"
	RoleTeammate = "teammate"
)

// reservedNames cannot be used as agent names because they are addressing
// keywords or synthetic senders.
var reservedNames = map[string]bool{
	"broadcast": true,
	"user":      true,
	"system":    true,
}

// Team declares the agents of one session and how they are wired together.
type Team struct {
	Agents      []AgentSpec `yaml:"agents" json:"agents"`
	Connections []Edge      `yaml:"connections" json:"connections"`
	Prompt      string      `yaml:"prompt" json:"prompt,omitempty"`
}

// AgentSpec describes one agent before the hierarchy is derived.
type AgentSpec struct {
	Name         string   `yaml:"name" json:"name"`
	Role         string   `yaml:"role" json:"role"`
	LeadAgent    string   `yaml:"lead_agent" json:"lead_agent,omitempty"`
	Provider     string   `yaml:"provider" json:"provider"`
	Model        string   `yaml:"model" json:"model"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Connections  []string `yaml:"connections" json:"connections,omitempty"`
}

// Edge is an undirected connection between two agents.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// LoadTeam reads a YAML team file from path.
func LoadTeam(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read team %s: %w", path, err)
	}
	return ParseTeam(data)
}

// ParseTeam unmarshals and validates a team definition.
func ParseTeam(data []byte) (*Team, error) {
	var team Team
	if err := yaml.Unmarshal(data, &team); err != nil {
		return nil, fmt.Errorf("config: parse team: %w", err)
	}
	if err := team.Normalize(); err != nil {
		return nil, err
	}
	return &team, nil
}

// Normalize applies defaults and checks names, roles and edge endpoints.
// Teams arriving over HTTP go through the same path as team files.
func (t *Team) Normalize() error {
	var errs []string
	if len(t.Agents) == 0 {
		errs = append(errs, "at least one agent is required")
	}

	seen := make(map[string]bool, len(t.Agents))
	for i := range t.Agents {
		a := &t.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Role == "" {
			a.Role = RoleTeammate
		}
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Sprintf("agents[%d].name is required", i))
		case reservedNames[a.Name]:
			errs = append(errs, fmt.Sprintf("agents[%d].name %q is reserved", i, a.Name))
		case seen[a.Name]:
			errs = append(errs, fmt.Sprintf("agents[%d].name %q is duplicated", i, a.Name))
		}
		seen[a.Name] = true
		if a.Role != RoleLeader && a.Role != RoleTeammate {
			errs = append(errs, fmt.Sprintf("agents[%d].role %q is not leader or teammate", i, a.Role))
		}
		if a.Provider == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].provider is required", i))
		}
		if a.Model == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].model is required", i))
		}
	}

	for i, a := range t.Agents {
		if a.LeadAgent != "" && !seen[a.LeadAgent] {
			errs = append(errs, fmt.Sprintf("agents[%d].lead_agent %q is not a declared agent", i, a.LeadAgent))
		}
		for _, c := range a.Connections {
			if !seen[c] {
				errs = append(errs, fmt.Sprintf("agents[%d].connections: %q is not a declared agent", i, c))
			}
			if c == a.Name {
				errs = append(errs, fmt.Sprintf("agents[%d].connections: %s is connected to itself", i, c))
			}
		}
	}
	for i, e := range t.Connections {
		if !seen[e.From] || !seen[e.To] {
			errs = append(errs, fmt.Sprintf("connections[%d]: %s-%s references an undeclared agent", i, e.From, e.To))
		}
		if e.From == e.To {
			errs = append(errs, fmt.Sprintf("connections[%d]: %s is connected to itself", i, e.From))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: team validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
