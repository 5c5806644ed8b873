package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineCounters(t *testing.T) {
	p := NewPipeline(prometheus.NewRegistry())

	p.Resolution("committed")
	p.Resolution("committed")
	p.Resolution("discarded")
	p.Merges(3)
	p.Decision("spawn")
	p.Collected(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.resolutions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.resolutions.WithLabelValues("discarded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.merges))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("spawn")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.collected))
}

func TestNilPipelineIsSafe(t *testing.T) {
	var p *Pipeline
	p.Resolution("committed")
	p.Merges(1)
	p.Decision("kill")
	p.Collected(1)
}
