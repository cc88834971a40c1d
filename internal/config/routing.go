// Package config loads the static routing configuration: which objects a
// requester may pick, how an object maps to a project, which review chat a
// project publishes into, and who may approve completed tasks.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FallbackProject is the designated fallback ("test") destination. Its chat
// receives everything the project chats could not.
const FallbackProject = "Test"

type Routing struct {
	// Objects is the ordered button list offered to requesters.
	Objects []string `yaml:"objects"`
	// Projects maps an object name to its project. Objects absent from the
	// map publish under their own name.
	Projects map[string]string `yaml:"projects"`
	// Chats maps a project name to its destination chat id.
	Chats map[string]int64 `yaml:"chats"`
	// Approvers is the identity allow-list for the final review transition.
	Approvers []int64 `yaml:"approvers"`
}

func Load(path string) (*Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing config %s: %w", path, err)
	}
	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse routing config %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("routing config %s: %w", path, err)
	}
	return &r, nil
}

func (r *Routing) validate() error {
	if len(r.Objects) == 0 {
		return fmt.Errorf("no objects configured")
	}
	seen := make(map[string]bool, len(r.Objects))
	for _, obj := range r.Objects {
		obj = strings.TrimSpace(obj)
		if obj == "" {
			return fmt.Errorf("empty object name")
		}
		if seen[obj] {
			return fmt.Errorf("duplicate object %q", obj)
		}
		seen[obj] = true
	}
	return nil
}

// ObjectButtons returns the object names to render as wizard buttons. The
// fallback project never appears as a pickable object.
func (r *Routing) ObjectButtons() []string {
	out := make([]string, 0, len(r.Objects))
	for _, obj := range r.Objects {
		if obj == FallbackProject {
			continue
		}
		out = append(out, obj)
	}
	return out
}

// ObjectAt returns the object name for a zero-based button index.
func (r *Routing) ObjectAt(idx int) (string, bool) {
	buttons := r.ObjectButtons()
	if idx < 0 || idx >= len(buttons) {
		return "", false
	}
	return buttons[idx], true
}

// ProjectFor resolves the project an object publishes under.
func (r *Routing) ProjectFor(object string) string {
	if project, ok := r.Projects[object]; ok && strings.TrimSpace(project) != "" {
		return project
	}
	return object
}

// ChatFor resolves the destination chat for a project.
func (r *Routing) ChatFor(project string) (int64, bool) {
	id, ok := r.Chats[project]
	return id, ok && id != 0
}

// FallbackChat resolves the fallback chat, if configured.
func (r *Routing) FallbackChat() (int64, bool) {
	return r.ChatFor(FallbackProject)
}

func (r *Routing) IsApprover(userID int64) bool {
	for _, id := range r.Approvers {
		if id == userID {
			return true
		}
	}
	return false
}

// KnownProjects lists every project with a configured chat, sorted. Used by
// diagnostics output only.
func (r *Routing) KnownProjects() []string {
	out := make([]string, 0, len(r.Chats))
	for project := range r.Chats {
		out = append(out, project)
	}
	sort.Strings(out)
	return out
}
