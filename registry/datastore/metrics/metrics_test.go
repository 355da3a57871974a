package metrics

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	testutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quay/quay-sub006/metrics"
	"github.com/stretchr/testify/require"
)

func mockTimeSince(d time.Duration) func() {
	bkp := timeSince
	timeSince = func(_ time.Time) time.Duration { return d }
	return func() { timeSince = bkp }
}

func TestInstrumentQuery(t *testing.T) {
	queryName := "tag_find_alive_by_name"

	restore := mockTimeSince(10 * time.Millisecond)
	defer restore()
	InstrumentQuery(queryName)()

	restore = mockTimeSince(20 * time.Millisecond)
	defer restore()
	InstrumentQuery(queryName)()

	var expected bytes.Buffer
	expected.WriteString(`
# HELP registry_database_queries_total A counter for database queries.
# TYPE registry_database_queries_total counter
registry_database_queries_total{name="tag_find_alive_by_name"} 2
# HELP registry_database_query_duration_seconds A histogram of latencies for database queries.
# TYPE registry_database_query_duration_seconds histogram
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.005"} 0
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.01"} 1
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.025"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.05"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.1"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.25"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="0.5"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="1"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="2.5"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="5"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="10"} 2
registry_database_query_duration_seconds_bucket{name="tag_find_alive_by_name",le="+Inf"} 2
registry_database_query_duration_seconds_sum{name="tag_find_alive_by_name"} 0.03
registry_database_query_duration_seconds_count{name="tag_find_alive_by_name"} 2
`)
	durationFullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, queryDurationName)
	totalFullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, queryTotalName)

	err := testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, durationFullName, totalFullName)
	require.NoError(t, err)
}

type noopConnector struct{}

func (noopConnector) Connect(context.Context) (driver.Conn, error) {
	return nil, errors.New("not connected")
}
func (noopConnector) Driver() driver.Driver { return nil }

func TestRegisterPoolStats(t *testing.T) {
	db := sql.OpenDB(noopConnector{})
	defer db.Close()

	require.NoError(t, RegisterPoolStats(db, "quay_test"))
	// idempotent
	require.NoError(t, RegisterPoolStats(db, "quay_test"))

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "go_sql_open_connections")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
