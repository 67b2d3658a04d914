package remoterun

import (
	"context"

	"github.com/withObsrvr/obsrvr-remote-run/internal/metrics"
	"github.com/withObsrvr/obsrvr-remote-run/internal/poller"
	"github.com/withObsrvr/obsrvr-remote-run/internal/teamcity"
)

// CountingSource counts status requests made through src.
func CountingSource(src poller.StatusSource, m *metrics.Metrics) poller.StatusSource {
	return &countingSource{src: src, m: m}
}

type countingSource struct {
	src poller.StatusSource
	m   *metrics.Metrics
}

func (c *countingSource) BuildStatus(ctx context.Context, qb teamcity.QueuedBuild) (teamcity.StatusResult, error) {
	c.m.IncStatusPolls()
	return c.src.BuildStatus(ctx, qb)
}
