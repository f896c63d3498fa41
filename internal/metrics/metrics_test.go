package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, scrapeJobsTotal)
	require.NotNil(t, sourceFetchTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveSourceFetch(t *testing.T) {
	before := testutil.ToFloat64(sourceFetchTotal.WithLabelValues("cars.com", "unavailable"))
	ObserveSourceFetch("cars.com", "unavailable", 3, 0)
	ObserveSourceFetch("cars.com", "ok", 1, 2)

	require.Equal(t, before+1, testutil.ToFloat64(sourceFetchTotal.WithLabelValues("cars.com", "unavailable")))
	require.GreaterOrEqual(t, testutil.ToFloat64(sourceFetchAttemptsTotal.WithLabelValues("cars.com")), 4.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(malformedRecordsTotal.WithLabelValues("cars.com")), 2.0)
}

func TestObserveJobAndRunning(t *testing.T) {
	SetRunning(true)
	require.Equal(t, 1.0, testutil.ToFloat64(scrapeRunning))
	SetRunning(false)
	require.Equal(t, 0.0, testutil.ToFloat64(scrapeRunning))

	before := testutil.ToFloat64(scrapeJobsTotal.WithLabelValues("completed"))
	ObserveJob("completed", 42*time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(scrapeJobsTotal.WithLabelValues("completed")))
}

func TestObserveAdmissionsAndRejections(t *testing.T) {
	ObserveAdmission("cargurus", "insert")
	ObserveRejection("missing_price")
	ObserveRateLimitDelay("cargurus", 250*time.Millisecond)

	require.GreaterOrEqual(t, testutil.ToFloat64(admissionsTotal.WithLabelValues("cargurus", "insert")), 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(rejectionsTotal.WithLabelValues("missing_price")), 1.0)
}
