package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

// registrationSchema describes a well-formed cell registration document.
const registrationSchema = `{
  "type": "object",
  "required": ["cellId", "schemaVersion", "capabilities", "performanceHints"],
  "properties": {
    "cellId": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9][A-Za-z0-9_.:-]*$"},
    "name": {"type": "string", "maxLength": 256},
    "endpoint": {"type": "string", "maxLength": 2048},
    "schemaVersion": {"type": "integer", "minimum": 0},
    "capabilities": {
      "type": "array",
      "uniqueItems": true,
      "items": {"enum": ["full_text_search", "geospatial_queries", "advanced_indexing", "streaming_support", "batch_operations"]}
    },
    "performanceHints": {
      "type": "object",
      "required": ["maxConcurrentQueries", "preferredBatchSize"],
      "properties": {
        "typicalResponseTimeMs": {"type": "integer", "minimum": 0},
        "maxConcurrentQueries": {"type": "integer", "minimum": 1},
        "preferredBatchSize": {"type": "integer", "minimum": 1},
        "subnetLocation": {"type": "string"}
      }
    }
  }
}`

// CellRegistry is the authoritative set of known cells. Entries are created or
// refreshed, never removed.
type CellRegistry struct {
	mu        sync.RWMutex
	cells     map[string]celldb.CellRegistration
	schema    *jsonschema.Resolved
	listeners []func(celldb.CellRegistration)
}

// NewCellRegistry creates an empty registry.
func NewCellRegistry() (*CellRegistry, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(registrationSchema), &schema); err != nil {
		return nil, fmt.Errorf("failed to parse registration schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registration schema: %w", err)
	}
	return &CellRegistry{
		cells:  make(map[string]celldb.CellRegistration),
		schema: resolved,
	}, nil
}

// OnChange registers fn to be called after every accepted registration.
func (r *CellRegistry) OnChange(fn func(celldb.CellRegistration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register validates reg and inserts it, or replaces the existing entry when the
// schema version does not go backwards.
func (r *CellRegistry) Register(reg celldb.CellRegistration) error {
	if err := r.validate(reg); err != nil {
		return err
	}

	stored := reg.Clone()
	r.mu.Lock()
	existing, found := r.cells[reg.CellID]
	if found && reg.SchemaVersion < existing.SchemaVersion {
		r.mu.Unlock()
		return celldb.NewRegistrationError(reg.CellID, celldb.ErrCodeSchemaDowngrade,
			fmt.Sprintf("schema version %d is older than registered version %d", reg.SchemaVersion, existing.SchemaVersion))
	}
	r.cells[reg.CellID] = stored
	listeners := append([]func(celldb.CellRegistration){}, r.listeners...)
	r.mu.Unlock()

	zap.S().Infow("cell registered",
		"cellId", reg.CellID,
		"schemaVersion", reg.SchemaVersion,
		"refreshed", found,
		"capabilities", reg.Capabilities,
	)
	for _, fn := range listeners {
		fn(stored.Clone())
	}
	return nil
}

func (r *CellRegistry) validate(reg celldb.CellRegistration) error {
	if reg.Capabilities == nil {
		reg.Capabilities = []celldb.CellCapability{}
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return celldb.NewRegistrationError(reg.CellID, celldb.ErrCodeInvalidRegistration, "registration is not serializable").WithCause(err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return celldb.NewRegistrationError(reg.CellID, celldb.ErrCodeInvalidRegistration, "registration is not valid JSON").WithCause(err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return celldb.NewRegistrationError(reg.CellID, celldb.ErrCodeInvalidRegistration, err.Error()).WithCause(err)
	}
	return nil
}

// Resolve returns a copy of the registration for cellID.
func (r *CellRegistry) Resolve(cellID string) (celldb.CellRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.cells[cellID]
	if !ok {
		return celldb.CellRegistration{}, false
	}
	return reg.Clone(), true
}

// ResolveAll resolves every id in order. An unknown id fails the whole lookup.
func (r *CellRegistry) ResolveAll(cellIDs []string) ([]celldb.CellRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]celldb.CellRegistration, 0, len(cellIDs))
	for _, id := range cellIDs {
		reg, ok := r.cells[id]
		if !ok {
			err := celldb.NewCellUnavailableError(id, "cell is not registered", nil, false)
			err.Code = celldb.ErrCodeUnknownCell
			return nil, err
		}
		out = append(out, reg.Clone())
	}
	return out, nil
}

// List returns all registrations ordered by cell id.
func (r *CellRegistry) List() []celldb.CellRegistration {
	r.mu.RLock()
	out := make([]celldb.CellRegistration, 0, len(r.cells))
	for _, reg := range r.cells {
		out = append(out, reg.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out
}

// Len returns the number of registered cells.
func (r *CellRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cells)
}
