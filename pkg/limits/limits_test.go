package limits

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestValidateRejectsNegative(t *testing.T) {
	cases := []Spec{
		{MemoryBytes: -1},
		{CPUShares: -1},
		{CPUQuotaUS: -1},
		{PidsMax: -1},
	}
	for _, c := range cases {
		assert.Assert(t, c.Validate() != nil, "expected error for %+v", c)
	}
}

func TestValidateAcceptsZeroValue(t *testing.T) {
	var s Spec
	assert.NilError(t, s.Validate())
	assert.Assert(t, s.IsZero(), "zero-value Spec should report IsZero")
}

func TestParseMemory(t *testing.T) {
	n, err := ParseMemory("512m")
	assert.NilError(t, err)
	assert.Equal(t, n, int64(512*1024*1024))

	n, err = ParseMemory("")
	assert.NilError(t, err)
	assert.Equal(t, n, int64(0))

	_, err = ParseMemory("not-a-size")
	assert.Assert(t, err != nil, "expected error for invalid memory string")
}

func TestCPUWeightBoundaries(t *testing.T) {
	cases := []struct {
		shares int64
		want   int64
	}{
		{0, 0},
		{1, 9},
		{2, 19},
		{1024, 10000},
		{262144, 10000},
	}
	for _, c := range cases {
		assert.Equal(t, CPUWeight(c.shares), c.want)
	}
}
