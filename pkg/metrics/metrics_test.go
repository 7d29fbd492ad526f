package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncCounter_accumulatesPerLabel(t *testing.T) {
	r := New()
	r.DescribeCounter("shield_checks_total", "total checks processed")
	r.IncCounter("shield_checks_total", Labels("verdict", "ALLOW"))
	r.IncCounter("shield_checks_total", Labels("verdict", "ALLOW"))
	r.IncCounter("shield_checks_total", Labels("verdict", "BLOCK"))

	out := r.Render()
	assert.Contains(t, out, `shield_checks_total{verdict="ALLOW"} 2`)
	assert.Contains(t, out, `shield_checks_total{verdict="BLOCK"} 1`)
	assert.Contains(t, out, "# HELP shield_checks_total total checks processed")
	assert.Contains(t, out, "# TYPE shield_checks_total counter")
}

func TestSetGauge_overwritesRatherThanAccumulates(t *testing.T) {
	r := New()
	r.DescribeGauge("shield_sessions_active", "current tracked sessions")
	r.SetGauge("shield_sessions_active", "", 3)
	r.SetGauge("shield_sessions_active", "", 7)

	out := r.Render()
	assert.Contains(t, out, "shield_sessions_active 7")
	assert.NotContains(t, out, "shield_sessions_active 3")
}

func TestRender_sortsMetricNamesAndLabelsDeterministically(t *testing.T) {
	r := New()
	r.IncCounter("zzz_metric", "")
	r.IncCounter("aaa_metric", "")
	r.IncCounter("aaa_metric", Labels("b", "2"))
	r.IncCounter("aaa_metric", Labels("a", "1"))

	out := r.Render()
	aaaIdx := strings.Index(out, "aaa_metric")
	zzzIdx := strings.Index(out, "zzz_metric")
	assert.Less(t, aaaIdx, zzzIdx)
}

func TestLabels_oddArgsPanics(t *testing.T) {
	assert.Panics(t, func() { Labels("a") })
}
