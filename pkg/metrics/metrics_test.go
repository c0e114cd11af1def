package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordKVOp_IncrementsCounter(t *testing.T) {
	RecordKVOp("get", "hit")
	assert.Equal(t, float64(1), testutil.ToFloat64(kvOperations.WithLabelValues("get", "hit")))
}

func TestRecordDispatch_RecordsCountAndDuration(t *testing.T) {
	RecordDispatch("job-1", "succeeded", 250*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(schedulerDispatches.WithLabelValues("job-1", "succeeded")))
	assert.Equal(t, 1, testutil.CollectAndCount(schedulerDispatchDuration))
}

func TestSetObserverSubscribers(t *testing.T) {
	SetObserverSubscribers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(observerSubscribers))
}
