package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Strategy is the stored definition of a strategy type. Properties is a
// schemaless JSON blob; concrete strategies decode it through their own typed
// accessors.
type Strategy struct {
	StrategyID string          `json:"strategy_id"`
	Type       string          `json:"strategy_type"`
	Properties json.RawMessage `json:"properties"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StrategyExecution is one live instance of a strategy, owning a portfolio
// slice. State is schemaless JSON mutated with deep-merge semantics.
type StrategyExecution struct {
	StrategyExecutionID string          `json:"strategy_execution_id"`
	StrategyID          string          `json:"strategy_id"`
	State               json.RawMessage `json:"state"`
	CurrentState        string          `json:"current_state"`
	StartedAt           time.Time       `json:"started_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// MergeState deep-merges patch into the execution state blob.
func (e *StrategyExecution) MergeState(patch []byte) error {
	merged, err := DeepMergeJSON(e.State, patch)
	if err != nil {
		return err
	}
	e.State = merged
	return nil
}

// DeepMergeJSON merges patch into base: maps merge recursively, any other
// value in patch replaces the base value. An empty base acts as "{}".
func DeepMergeJSON(base, patch []byte) ([]byte, error) {
	if len(patch) == 0 {
		return base, nil
	}
	var baseMap map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, fmt.Errorf("schema: decode merge base: %w", err)
		}
	}
	if baseMap == nil {
		baseMap = make(map[string]any)
	}
	var patchMap map[string]any
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("schema: decode merge patch: %w", err)
	}
	merged := mergeMaps(baseMap, patchMap)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("schema: encode merged state: %w", err)
	}
	return out, nil
}

func mergeMaps(base, patch map[string]any) map[string]any {
	for key, patchValue := range patch {
		baseValue, exists := base[key]
		if !exists {
			base[key] = patchValue
			continue
		}
		baseChild, baseIsMap := baseValue.(map[string]any)
		patchChild, patchIsMap := patchValue.(map[string]any)
		if baseIsMap && patchIsMap {
			base[key] = mergeMaps(baseChild, patchChild)
			continue
		}
		base[key] = patchValue
	}
	return base
}
