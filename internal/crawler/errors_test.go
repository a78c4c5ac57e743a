package crawler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset by peer")
	err := fmt.Errorf("fetch page: %w", NewError(KindNetwork, "fetch", cause))

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSoftBlock)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(cause))
}

func TestErrorMessageAndReason(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: KindPermanent, Op: "render", Msg: CloudflareBypassMessage}
	assert.Equal(t, "render: "+CloudflareBypassMessage, err.Error())
	assert.Equal(t, CloudflareBypassMessage, Reason(err))
	assert.Equal(t, "plain", Reason(errors.New("plain")))
	assert.Empty(t, Reason(nil))

	bare := &Error{Kind: KindCanceled}
	assert.Equal(t, "canceled", bare.Error())
}

func TestCrawlResultsRecording(t *testing.T) {
	t.Parallel()

	res := NewCrawlResults("run-1", time.Unix(0, 0))
	require.True(t, res.Empty())

	res.RecordPage(PageRecord{URL: "https://example.com/"})
	res.RecordFailure("https://example.com/broken", "boom")
	res.RecordFailure("https://example.com/", "late failure")
	res.RecordDuplicate("https://example.com/")

	assert.False(t, res.Empty())
	assert.Equal(t, 2, res.Processed())
	assert.Equal(t, []string{"https://example.com/", "https://example.com/broken"}, res.URLs)
	assert.Len(t, res.FailedURLs, 2)

	snap := res.Snapshot()
	res.RecordPage(PageRecord{URL: "https://example.com/later"})
	assert.Len(t, snap.Pages, 1)
	assert.Len(t, res.Pages, 2)
}

func TestRetryStateExhausted(t *testing.T) {
	t.Parallel()

	st := RetryState{MaxAttempts: 2}
	assert.False(t, st.Exhausted())
	st.Attempt = 2
	assert.True(t, st.Exhausted())
}
