package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("local", "success", ""))
	RecordRun("local", "success", "", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(RunsTotal.WithLabelValues("local", "success", "")))
}

func TestRecordRetention(t *testing.T) {
	deleted := testutil.ToFloat64(RetentionDeletedTotal.WithLabelValues("deleted"))
	failed := testutil.ToFloat64(RetentionDeletedTotal.WithLabelValues("failed"))
	RecordRetention(3, 1)
	assert.Equal(t, deleted+3, testutil.ToFloat64(RetentionDeletedTotal.WithLabelValues("deleted")))
	assert.Equal(t, failed+1, testutil.ToFloat64(RetentionDeletedTotal.WithLabelValues("failed")))
}
