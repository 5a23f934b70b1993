package session

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devmesh/devmesh/internal/common/apperr"
)

// TemplateVariable is one declared variable of a session template.
type TemplateVariable struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Template snapshots a session's settings for reuse.
type Template struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Tags           []string           `json:"tags,omitempty"`
	Variables      []TemplateVariable `json:"variables,omitempty"`
	InitialContext string             `json:"initialContext,omitempty"`
	Model          string             `json:"model"`
	Flags          map[string]string  `json:"flags,omitempty"`
	WorkDir        string             `json:"workDir"`
	History        []Interaction      `json:"history,omitempty"`
	UsageCount     int                `json:"usageCount"`
	LastUsedAt     *time.Time         `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// TemplateInput carries the createSessionTemplate parameters.
type TemplateInput struct {
	Name           string
	Tags           []string
	Variables      []TemplateVariable
	InitialContext string
	IncludeHistory bool
}

// CreateTemplate snapshots a session into a template.
func (m *Manager) CreateTemplate(sessionID string, input TemplateInput) (*Template, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, apperr.BadInput("template name is required")
	}

	tpl := &Template{
		ID:             uuid.New().String(),
		Name:           input.Name,
		Tags:           append([]string(nil), input.Tags...),
		Variables:      append([]TemplateVariable(nil), input.Variables...),
		InitialContext: input.InitialContext,
		Model:          sess.Metadata.Model,
		Flags:          copyFlags(sess.Metadata.Flags),
		WorkDir:        sess.WorkDir,
		CreatedAt:      time.Now().UTC(),
	}
	if input.IncludeHistory {
		tpl.History = append([]Interaction(nil), sess.History...)
	}

	m.mu.Lock()
	m.templates[tpl.ID] = tpl
	m.mu.Unlock()
	return tpl, nil
}

// CreateFromTemplate instantiates a new session from a template.
func (m *Manager) CreateFromTemplate(templateID, name string) (*Session, error) {
	m.mu.Lock()
	tpl, ok := m.templates[templateID]
	if ok {
		tpl.UsageCount++
		now := time.Now().UTC()
		tpl.LastUsedAt = &now
	}
	m.mu.Unlock()
	if !ok {
		return nil, apperr.BadInput("template %q not found", templateID)
	}

	sess := m.createSession(ExecuteOptions{
		WorkDir:        tpl.WorkDir,
		Model:          tpl.Model,
		Flags:          tpl.Flags,
		ProjectContext: tpl.InitialContext,
	})

	m.mu.Lock()
	stored := m.sessions[sess.ID]
	stored.Name = name
	if len(tpl.History) > 0 {
		stored.History = append([]Interaction(nil), tpl.History...)
		if last := tpl.History[len(tpl.History)-1]; last.Correlator != "" {
			stored.Metadata.Correlator = last.Correlator
		}
	}
	updated := snapshot(stored)
	m.mu.Unlock()
	return updated, nil
}

// ListTemplates returns every template, newest first.
func (m *Manager) ListTemplates() []*Template {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		cp := *tpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
