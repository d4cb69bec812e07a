// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the in-process registry: concurrent readers, exclusive writer
// per agent id through the single mutex.
type Store struct {
	mu            sync.RWMutex
	agents        map[string]Agent
	healthTimeout time.Duration
	lastUpdated   time.Time
	logger        *zap.Logger

	now func() time.Time
}

// NewStore creates a registry store with the given liveness window.
func NewStore(healthTimeout time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthTimeout <= 0 {
		healthTimeout = 45 * time.Second
	}
	return &Store{
		agents:        make(map[string]Agent),
		healthTimeout: healthTimeout,
		logger:        logger,
		now:           time.Now,
	}
}

// Register upserts the agent. An existing hotpath=true flag survives
// re-registration unless the request explicitly clears it.
func (s *Store) Register(req RegisterRequest) Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	agent, exists := s.agents[req.AgentID]
	hotpath := false
	if exists {
		hotpath = agent.Hotpath
	}
	if req.Hotpath != nil {
		hotpath = *req.Hotpath
	}
	registeredAt := now
	if exists {
		registeredAt = agent.RegisteredAt
	}
	updated := Agent{
		AgentID:       req.AgentID,
		Host:          req.Host,
		Port:          req.Port,
		Status:        StatusHealthy,
		RegisteredAt:  registeredAt,
		LastHeartbeat: now,
		Hotpath:       hotpath,
	}
	s.agents[req.AgentID] = updated
	s.lastUpdated = now
	s.logger.Info("agent registered",
		zap.String("agent_id", req.AgentID),
		zap.Bool("hotpath", hotpath),
		zap.Bool("re_registration", exists))
	return updated
}

// Heartbeat updates status and last_heartbeat.
func (s *Store) Heartbeat(req HeartbeatRequest) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[req.AgentID]
	if !ok {
		return Agent{}, fmt.Errorf("heartbeat %s: %w", req.AgentID, ErrNotFound)
	}
	status := req.Status
	if status == "" {
		status = StatusHealthy
	}
	at := req.ReportedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	agent.Status = status
	agent.LastHeartbeat = at
	s.agents[req.AgentID] = agent
	s.lastUpdated = s.now().UTC()
	return agent, nil
}

// Get returns the agent record.
func (s *Store) Get(agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("get %s: %w", agentID, ErrNotFound)
	}
	return agent, nil
}

// List returns agents, optionally filtered to healthy and/or hotpath ones,
// sorted by agent id.
func (s *Store) List(healthyOnly, hotpathOnly bool) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if healthyOnly && !a.Healthy(now, s.healthTimeout) {
			continue
		}
		if hotpathOnly && !a.Hotpath {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SetHotpath flips the residency flag.
func (s *Store) SetHotpath(agentID string, hotpath bool) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("set hotpath %s: %w", agentID, ErrNotFound)
	}
	agent.Hotpath = hotpath
	s.agents[agentID] = agent
	s.lastUpdated = s.now().UTC()
	s.logger.Info("hotpath flag updated",
		zap.String("agent_id", agentID), zap.Bool("hotpath", hotpath))
	return agent, nil
}

// Remove deletes the agent. Hotpath agents are protected: without force the
// call fails with ErrHotpathAgent and the record is untouched.
func (s *Store) Remove(agentID string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("remove %s: %w", agentID, ErrNotFound)
	}
	if agent.Hotpath && !force {
		return fmt.Errorf("remove %s: %w", agentID, ErrHotpathAgent)
	}
	delete(s.agents, agentID)
	s.lastUpdated = s.now().UTC()
	s.logger.Info("agent removed",
		zap.String("agent_id", agentID), zap.Bool("force", force))
	return nil
}

// Stats summarizes health across the fleet. A hotpath agent that is not
// healthy counts as a hotpath violation; it is never removed for it.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC()
	st := Stats{Total: len(s.agents), LastUpdated: s.lastUpdated}
	for _, a := range s.agents {
		if a.Healthy(now, s.healthTimeout) {
			st.Healthy++
		} else {
			st.Unhealthy++
			if a.Hotpath {
				st.HotpathViolations++
			}
		}
	}
	return st
}

// HealthTimeout exposes the configured liveness window.
func (s *Store) HealthTimeout() time.Duration {
	return s.healthTimeout
}
