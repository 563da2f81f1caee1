package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	data := []byte(`
default_strategy: auto-merge-crdt
entities:
  - type: patient
    default_strategy: last-writer-wins
    fields:
      - name: blood_type
        strategy: last-writer-wins
        critical: true
      - name: allergies
        strategy: union-preserve-all
        critical: true
      - name: phone
`)

	table, err := ParseConfig(data)
	require.NoError(t, err)

	// The critical override forces blood_type to manual review even though
	// the file asked for last-writer-wins.
	assert.Equal(t, StrategyManualReview, table.StrategyFor("patient", "blood_type"))
	assert.True(t, table.IsCritical("patient", "blood_type"))

	// Critical with union-preserve-all keeps the union strategy.
	assert.Equal(t, StrategyUnionPreserveAll, table.StrategyFor("patient", "allergies"))

	// A field with no strategy inherits the entity default.
	assert.Equal(t, StrategyLastWriterWins, table.StrategyFor("patient", "phone"))

	// Unknown fields fall through to the entity default, unknown entity
	// types to the global default.
	assert.Equal(t, StrategyLastWriterWins, table.StrategyFor("patient", "nickname"))
	assert.Equal(t, StrategyAutoMergeCRDT, table.StrategyFor("lab_result", "value"))
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid yaml", "entities: ["},
		{"invalid default strategy", "default_strategy: coin-flip"},
		{"empty entity type", "entities:\n  - fields:\n      - name: x"},
		{"empty field name", "entities:\n  - type: patient\n    fields:\n      - strategy: last-writer-wins"},
		{"invalid field strategy", "entities:\n  - type: patient\n    fields:\n      - name: x\n        strategy: coin-flip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()

	assert.Equal(t, StrategyManualReview, table.StrategyFor("patient", "blood_type"))
	assert.Equal(t, StrategyUnionPreserveAll, table.StrategyFor("patient", "allergies"))
	assert.Equal(t, StrategyLastWriterWins, table.StrategyFor("patient", "phone"))
	assert.Equal(t, StrategyManualReview, table.StrategyFor("prescription", "dosage"))

	assert.True(t, table.AnyCritical("patient", []string{"phone", "allergies"}))
	assert.False(t, table.AnyCritical("patient", []string{"phone", "address"}))
}
