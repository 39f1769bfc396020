package crawler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/amosWeiskopf/fileharvest/pkg/identity"
)

const retryBase = 100 * time.Millisecond

// retryGetter repeats a GET on network errors, 429 and 5xx with
// exponential backoff. attempts is the number of extra tries; zero means
// a single request.
type retryGetter struct {
	session  *identity.Session
	attempts int
	logger   *zap.Logger
}

func (r retryGetter) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	for retries := 0; ; retries++ {
		resp, err := r.session.Get(ctx, rawURL)
		if err == nil && !retryable(resp.StatusCode) {
			return resp, nil
		}
		if retries >= r.attempts {
			return resp, err
		}
		if err != nil {
			r.logger.Debug("fetch error, retrying", zap.String("url", rawURL), zap.Int("retry", retries+1), zap.Error(err))
		} else {
			r.logger.Debug("non-OK status, retrying", zap.String("url", rawURL), zap.Int("retry", retries+1), zap.Int("status", resp.StatusCode))
			resp.Body.Close()
		}

		t := time.NewTimer(retryBase << retries)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
