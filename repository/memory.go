package repository

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/model"
)

// Memory is a [Repository] that keeps everything in memory. It is safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	rules        map[int64]model.Rule
	requirements map[int64]model.Requirement
	actions      map[int64]model.Action
	disclaimers  map[int64]model.Disclaimer
	servers      map[int64]model.DirectoryServer
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rules:        map[int64]model.Rule{},
		requirements: map[int64]model.Requirement{},
		actions:      map[int64]model.Action{},
		disclaimers:  map[int64]model.Disclaimer{},
		servers:      map[int64]model.DirectoryServer{},
	}
}

// PutRule stores r. Its ActionIDs get ignored, they are derived from the stored actions.
func (m *Memory) PutRule(r model.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ActionIDs = nil
	m.rules[r.ID] = r
}

func (m *Memory) PutRequirement(r model.Requirement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requirements[r.ID] = r
}

func (m *Memory) PutAction(a model.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.DirectoryServerIDs = slices.Clone(a.DirectoryServerIDs)
	m.actions[a.ID] = a
}

func (m *Memory) PutDisclaimer(d model.Disclaimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disclaimers[d.ID] = d
}

func (m *Memory) PutDirectoryServer(s model.DirectoryServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.URLs = slices.Clone(s.URLs)
	m.servers[s.ID] = s
}

func (m *Memory) RequirementNetworks(ctx context.Context) ([]model.RequirementNetwork, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	withActions := map[int64]bool{}
	for _, a := range m.actions {
		if a.Enabled {
			withActions[a.RuleID] = true
		}
	}
	var out []model.RequirementNetwork
	for _, r := range m.requirements {
		if !r.Enabled || !withActions[r.RuleID] {
			continue
		}
		if _, ok := m.rules[r.RuleID]; !ok {
			continue
		}
		network, err := r.Network()
		if err != nil {
			log.ErrorContext(ctx).Err(err).Int64("requirement", r.ID).Str("sender_ip", r.SenderIP).Msg("invalid sender IP network")
			continue
		}
		out = append(out, model.RequirementNetwork{RequirementID: r.ID, RuleID: r.RuleID, Network: network})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequirementID < out[j].RequirementID })
	return out, nil
}

func (m *Memory) Requirement(_ context.Context, id int64) (*model.Requirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requirements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) Rule(_ context.Context, id int64) (*model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	var actions []model.Action
	for _, a := range m.actions {
		if a.RuleID == id {
			actions = append(actions, a)
		}
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Position != actions[j].Position {
			return actions[i].Position < actions[j].Position
		}
		return actions[i].ID < actions[j].ID
	})
	r.ActionIDs = make([]int64, len(actions))
	for i, a := range actions {
		r.ActionIDs[i] = a.ID
	}
	return &r, nil
}

func (m *Memory) Action(_ context.Context, id int64) (*model.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.DirectoryServerIDs = slices.Clone(a.DirectoryServerIDs)
	return &a, nil
}

func (m *Memory) Disclaimer(_ context.Context, id int64) (*model.Disclaimer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disclaimers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) DirectoryServer(_ context.Context, id int64) (*model.DirectoryServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.URLs = slices.Clone(s.URLs)
	return &s, nil
}
