package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMappingOrderIrrelevant(t *testing.T) {
	a := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{"a": 1, "b": 2}})
	b := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{"b": 2, "a": 1}})
	assert.Equal(t, a, b)
}

func TestSequenceOrderSignificant(t *testing.T) {
	a := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{"hosts": []any{1, 2}}})
	b := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{"hosts": []any{2, 1}}})
	assert.NotEqual(t, a, b)
}

func TestViaParticipates(t *testing.T) {
	spec := Spec{Method: "sudo", KWArgs: map[string]any{"user": "root"}}
	direct := Of(Direct, spec)
	viaA := Of("ctx-a", spec)
	viaB := Of("ctx-b", spec)
	assert.NotEqual(t, direct, viaA)
	assert.NotEqual(t, viaA, viaB)
}

func TestNestedMappingsSorted(t *testing.T) {
	a := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{
		"opts": map[string]any{"z": 1, "a": 2},
	}})
	b := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{
		"opts": map[string]any{"a": 2, "z": 1},
	}})
	assert.Equal(t, a, b)
}

func TestDistinctMethodsDiffer(t *testing.T) {
	a := Of(Direct, Spec{Method: "ssh", KWArgs: map[string]any{"hostname": "h"}})
	b := Of(Direct, Spec{Method: "sudo", KWArgs: map[string]any{"hostname": "h"}})
	assert.NotEqual(t, a, b)
}
