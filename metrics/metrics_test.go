package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReflectsRecordedValues(t *testing.T) {
	r := New()
	r.ReservedBytes.Add(8192)
	r.BucketSpans.WithLabelValues("4").Set(3)
	r.CentralFetches.WithLabelValues("3").Add(12)
	r.CentralReleases.WithLabelValues("3").Add(5)
	r.CentralCarves.WithLabelValues("3").Inc()
	r.SlowStartMisses.WithLabelValues("3").Inc()
	r.ThreadCaches.Set(2)

	snap, err := r.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, float64(8192), snap.ReservedBytes)
	assert.Equal(t, float64(3), snap.BucketSpans["4"])
	assert.Equal(t, float64(12), snap.CentralFetches["3"])
	assert.Equal(t, float64(5), snap.CentralReleases["3"])
	assert.Equal(t, float64(1), snap.CentralCarves["3"])
	assert.Equal(t, float64(1), snap.SlowStartMisses["3"])
	assert.Equal(t, float64(2), snap.ThreadCaches)
}

func TestSnapshotEmptyRegistry(t *testing.T) {
	r := New()
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(0), snap.ReservedBytes)
	assert.Empty(t, snap.BucketSpans)
}
