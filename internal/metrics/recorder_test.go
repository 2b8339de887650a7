package metrics

import (
	"sync"
	"testing"
	"time"

	m "github.com/cschleiden/go-taskrun/metrics"
	"github.com/stretchr/testify/require"
)

func Test_Recorder_MergesTags(t *testing.T) {
	r := NewRecorder()

	c := r.WithTags(m.Tags{"backend": "local"}).WithTags(m.Tags{"tenant": "acme"})
	c.Timing("op", m.Tags{"backend": "s3", "operation": "put"}, 1500*time.Millisecond)

	s := r.Samples("op")
	require.Len(t, s, 1)
	require.Equal(t, KindTiming, s[0].Kind)
	require.Equal(t, 1.5, s[0].Value)
	require.Equal(t, m.Tags{"backend": "s3", "tenant": "acme", "operation": "put"}, s[0].Tags)
}

func Test_Recorder_Concurrent(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			r.WithTags(m.Tags{"k": "v"}).Counter("count", nil, 2)
		})
	}
	wg.Wait()

	require.Equal(t, float64(20), r.Sum("count"))
	require.Empty(t, r.Samples("other"))
}

func Test_Discard(t *testing.T) {
	require.NotPanics(t, func() {
		Discard.WithTags(m.Tags{"a": "b"}).Counter("x", nil, 1)
	})
}
