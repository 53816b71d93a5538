package document

import "github.com/pkg/errors"

// Inventory operation kinds.
const (
	OpAddItem  = "add_item"
	OpSetField = "set_field"
)

// AddItemPayload introduces an item.
type AddItemPayload struct {
	ID   string `codec:"id" json:"id"`
	Kind string `codec:"kind" json:"kind"`
}

// SetFieldPayload sets one field of an item, last writer wins.
type SetFieldPayload struct {
	ID    string `codec:"id" json:"id"`
	Field string `codec:"field" json:"field"`
	Value string `codec:"value" json:"value"`
}

// InventoryItem is one materialized item.
type InventoryItem struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// InventoryState is the materialized inventory.
type InventoryState struct {
	Items map[string]*InventoryItem `json:"items"`
}

// InventorySchema reduces inventory operations.
type InventorySchema struct{}

// Name implements Schema.
func (InventorySchema) Name() string { return "inventory" }

// Empty implements Schema.
func (InventorySchema) Empty() any {
	return &InventoryState{Items: make(map[string]*InventoryItem)}
}

// Apply implements Schema.
func (InventorySchema) Apply(state any, env OpEnvelope) error {
	inv, ok := state.(*InventoryState)
	if !ok {
		return errors.Errorf("inventory schema applied to %T", state)
	}

	switch env.Kind {
	case OpAddItem:
		var p AddItemPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if item, exists := inv.Items[p.ID]; exists {
			if item.Kind == "" {
				item.Kind = p.Kind
			}
		} else {
			inv.Items[p.ID] = &InventoryItem{
				ID:     p.ID,
				Kind:   p.Kind,
				Fields: make(map[string]string),
			}
		}

	case OpSetField:
		var p SetFieldPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		item, exists := inv.Items[p.ID]
		if !exists {
			// A set for an item this replica has not seen introduced
			// yet; the fold is in total order, so the add either comes
			// later in Lamport time from a concurrent author or never.
			// Materialize the item so the field is not lost.
			item = &InventoryItem{ID: p.ID, Fields: make(map[string]string)}
			inv.Items[p.ID] = item
		}
		// Applied in total order: the last writer's value stands.
		item.Fields[p.Field] = p.Value

	default:
		return errors.Errorf("unknown inventory operation %q", env.Kind)
	}
	return nil
}
