package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/statefile"
)

var (
	// ErrNotFound reports a lookup for an agent id nobody registered.
	ErrNotFound = errors.New("agents: agent not found")
	// ErrExists reports a create against an id already in the catalogue.
	ErrExists = errors.New("agents: agent already exists")
	// ErrImmutable reports an update or delete against a stock agent.
	ErrImmutable = errors.New("agents: stock agents cannot be modified")
)

const (
	customFile = "custom-agents.json"
	memoryFile = "agent-memory.json"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Store holds the live agent catalogue: the immutable stock definitions,
// operator-registered custom agents, and the latest memory blob each agent
// produced. Custom agents and memory survive restarts via the data dir.
type Store struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	memory  map[string]json.RawMessage
	dataDir string
	logger  *zap.Logger
}

// NewStore seeds the stock catalogue and reloads custom agents and memory
// from dataDir.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		defs:    make(map[string]*Definition),
		memory:  make(map[string]json.RawMessage),
		dataDir: dataDir,
		logger:  logger.Named("agents"),
	}
	for _, def := range Catalogue() {
		s.defs[def.ID] = def
	}

	var custom []*Definition
	if _, err := statefile.Load(filepath.Join(dataDir, customFile), &custom); err != nil {
		s.logger.Warn("unreadable custom agents file, starting empty", zap.Error(err))
	}
	for _, def := range custom {
		if _, taken := s.defs[def.ID]; taken {
			continue
		}
		def.Stock = false
		s.defs[def.ID] = def
	}

	if _, err := statefile.Load(filepath.Join(dataDir, memoryFile), &s.memory); err != nil {
		s.logger.Warn("unreadable agent memory file, starting empty", zap.Error(err))
	}

	s.logger.Info("agent catalogue ready",
		zap.Int("stock", len(Catalogue())),
		zap.Int("custom", len(custom)),
	)
	return s, nil
}

// List returns every definition sorted by id.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, cloneDef(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one definition.
func (s *Store) Get(id string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, false
	}
	return cloneDef(def), true
}

// Create registers a custom agent. The id must be unique and stock
// definitions can never be shadowed.
func (s *Store) Create(def *Definition) error {
	if err := validate(def); err != nil {
		return err
	}

	s.mu.Lock()
	if _, taken := s.defs[def.ID]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, def.ID)
	}
	stored := cloneDef(def)
	stored.Stock = false
	s.defs[def.ID] = stored
	s.mu.Unlock()

	s.persistCustom()
	s.logger.Info("custom agent registered", zap.String("agent_id", def.ID))
	return nil
}

// Update replaces a custom agent definition in place. The id in the path
// wins over any id in the body.
func (s *Store) Update(id string, def *Definition) (*Definition, error) {
	def.ID = id
	if err := validate(def); err != nil {
		return nil, err
	}

	s.mu.Lock()
	current, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Stock {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrImmutable, id)
	}
	stored := cloneDef(def)
	stored.Stock = false
	s.defs[id] = stored
	s.mu.Unlock()

	s.persistCustom()
	s.logger.Info("custom agent updated", zap.String("agent_id", id))
	return cloneDef(stored), nil
}

// Delete removes a custom agent and its memory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	current, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Stock {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrImmutable, id)
	}
	delete(s.defs, id)
	delete(s.memory, id)
	s.mu.Unlock()

	s.persistCustom()
	s.persistMemory()
	s.logger.Info("custom agent deleted", zap.String("agent_id", id))
	return nil
}

// WalletFor resolves the payout wallet of an agent. Agents without a
// configured wallet settle into a ledger account derived from their id.
func (s *Store) WalletFor(agentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if def, ok := s.defs[agentID]; ok && def.Wallet != "" {
		return def.Wallet
	}
	return "agent:" + agentID
}

// Memory returns the last memory blob the agent reported, or nil.
func (s *Store) Memory(agentID string) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mem, ok := s.memory[agentID]
	if !ok {
		return nil
	}
	out := make(json.RawMessage, len(mem))
	copy(out, mem)
	return out
}

// SetMemory stores the memory blob an agent returned with its last result.
// Empty payloads clear the slot.
func (s *Store) SetMemory(agentID string, mem json.RawMessage) {
	s.mu.Lock()
	if len(mem) == 0 {
		delete(s.memory, agentID)
	} else {
		stored := make(json.RawMessage, len(mem))
		copy(stored, mem)
		s.memory[agentID] = stored
	}
	s.mu.Unlock()

	s.persistMemory()
}

func (s *Store) persistCustom() {
	s.mu.RLock()
	custom := make([]*Definition, 0)
	for _, def := range s.defs {
		if !def.Stock {
			custom = append(custom, cloneDef(def))
		}
	}
	s.mu.RUnlock()

	sort.Slice(custom, func(i, j int) bool { return custom[i].ID < custom[j].ID })
	if err := statefile.Save(filepath.Join(s.dataDir, customFile), custom); err != nil {
		s.logger.Error("failed to persist custom agents", zap.Error(err))
	}
}

func (s *Store) persistMemory() {
	s.mu.RLock()
	mem := make(map[string]json.RawMessage, len(s.memory))
	for id, m := range s.memory {
		mem[id] = m
	}
	s.mu.RUnlock()

	if err := statefile.Save(filepath.Join(s.dataDir, memoryFile), mem); err != nil {
		s.logger.Error("failed to persist agent memory", zap.Error(err))
	}
}

func validate(def *Definition) error {
	if def == nil || def.ID == "" {
		return errors.New("agents: agent id is required")
	}
	if !idPattern.MatchString(def.ID) {
		return fmt.Errorf("agents: invalid agent id %q", def.ID)
	}
	if def.Name == "" {
		return errors.New("agents: agent name is required")
	}
	return nil
}

func cloneDef(def *Definition) *Definition {
	out := *def
	out.Tools = append([]Tool(nil), def.Tools...)
	out.Keywords = append([]string(nil), def.Keywords...)
	return &out
}
