package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crmbridge/crmsync/pkg/crm"
	"github.com/crmbridge/crmsync/pkg/errors"
	"github.com/crmbridge/crmsync/pkg/metrics"
)

// FetchPages streams pages of raw records for one entity kind, in fetch
// order, invoking fn for each page. The stream is lazy and restartable from
// scratch, not resumable mid-stream: a failed run refetches from offset 0 on
// the next attempt, which is safe because writes are idempotent.
//
// since, when non-nil, bounds the selection to records modified after it.
// The sequence ends when a page returns fewer records than the page size or
// the offset reaches the reported total. Each page request is retried with
// exponential backoff while the failure is transient; exhausting retries or
// hitting a non-retryable error fails the stream. An error returned by fn
// aborts the stream immediately.
func (c *Client) FetchPages(ctx context.Context, kind crm.Kind, since *time.Time, fn func(Page) error) error {
	offset := 0

	for {
		var page *listResponse

		fetchErr := c.retry.ExecuteWithCondition(ctx, func() error {
			var err error
			page, err = c.fetchPage(ctx, kind, since, offset)
			if err != nil && errors.IsRetryable(err) {
				metrics.RequestRetries.WithLabelValues(string(kind)).Inc()
				c.logger.Warn("transient source failure, will retry",
					zap.String("entity", string(kind)),
					zap.Int("offset", offset),
					zap.Error(err))
			}
			return err
		}, errors.IsRetryable)
		if fetchErr != nil {
			return fetchErr
		}

		metrics.PagesFetched.WithLabelValues(string(kind)).Inc()

		if len(page.Result) == 0 {
			return nil
		}

		if err := fn(Page{Records: page.Result, Offset: offset}); err != nil {
			return err
		}

		offset += len(page.Result)

		// Short page or exhausted total: no more pages.
		if len(page.Result) < c.pageSize {
			return nil
		}
		if page.Next != nil {
			offset = *page.Next
			continue
		}
		if page.Total > 0 && offset >= page.Total {
			return nil
		}
	}
}
