package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"autodm/internal/metrics"
	"autodm/internal/models"

	"github.com/gin-gonic/gin"
)

// MetricsHandler Prometheus 文本格式指标
type MetricsHandler struct {
	jobs JobCounter
}

func NewMetricsHandler(jobs JobCounter) *MetricsHandler {
	return &MetricsHandler{jobs: jobs}
}

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	var b strings.Builder

	counters := metrics.Snapshot()
	for _, name := range metrics.Names(counters) {
		metric := "autodm_" + name + "_total"
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", metric, metric, counters[name])
	}

	total, byPrefix := metrics.RateLimitSnapshot()
	b.WriteString("# TYPE autodm_rate_limit_dropped_total counter\n")
	fmt.Fprintf(&b, "autodm_rate_limit_dropped_total %d\n", total)
	for _, prefix := range metrics.Names(byPrefix) {
		fmt.Fprintf(&b, "autodm_rate_limit_dropped_by_prefix_total{prefix=%q} %d\n", prefix, byPrefix[prefix])
	}

	if h.jobs != nil {
		h.writeJobGauge(c.Request.Context(), &b)
	}

	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func (h *MetricsHandler) writeJobGauge(ctx context.Context, b *strings.Builder) {
	counts, err := h.jobs.CountByStatus(ctx)
	if err != nil {
		return
	}
	statuses := []string{
		string(models.JobPending), string(models.JobProcessing),
		string(models.JobCompleted), string(models.JobFailed),
	}
	sort.Strings(statuses)
	b.WriteString("# TYPE autodm_jobs gauge\n")
	for _, s := range statuses {
		fmt.Fprintf(b, "autodm_jobs{status=%q} %d\n", s, counts[models.JobStatus(s)])
	}
}
