package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleActivation(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		R649:  t0,
		R2481: Never,
	}

	before := s.At(t0.Add(-time.Second))
	assert.True(t, before.Has(R338), "unscheduled revisions are on from genesis")
	assert.False(t, before.Has(R649))
	assert.False(t, before.Has(R2481))

	atBoundary := s.At(t0)
	assert.True(t, atBoundary.Has(R649), "activation time is inclusive")

	later := s.At(t0.Add(time.Hour))
	assert.True(t, later.Has(R649))
	assert.False(t, later.Has(R2481), "Never stays off")
}

func TestPresets(t *testing.T) {
	all := AllActive()
	none := NoneActive()
	for _, r := range Revisions() {
		assert.True(t, all.Has(r))
		assert.False(t, none.Has(r))
	}
}

func TestUpTo(t *testing.T) {
	rs := UpTo(R606)
	assert.True(t, rs.Has(R338))
	assert.True(t, rs.Has(R606))
	assert.False(t, rs.Has(R615))
	assert.False(t, rs.Has(R2481))
}

func TestActivating(t *testing.T) {
	t0 := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Activating(t0, RBSIP74, R2481)

	rs := s.At(t0.Add(-time.Minute))
	assert.True(t, rs.Has(R1270))
	assert.False(t, rs.Has(RBSIP74))

	rs = s.At(t0)
	assert.True(t, rs.Has(RBSIP74))
	assert.True(t, rs.Has(R2481))
}

func TestRevisionNames(t *testing.T) {
	assert.Equal(t, "core-338", R338.String())
	assert.Equal(t, "bsip-74", RBSIP74.String())
	assert.Equal(t, "unknown", Revision(200).String())
}
