package metrics

import (
	"time"
)

type timer struct {
	client Client
	start  time.Time
	name   string
	tags   Tags
}

func Timer(client Client, name string, tags Tags) *timer {
	return &timer{
		client: client,
		start:  time.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop the timer and report the elapsed time as a timing metric
func (t *timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.client.Timing(t.name, t.tags, elapsed)

	return elapsed
}

// StopWithError stops the timer and tags the measurement with the outcome of the operation
func (t *timer) StopWithError(err error) time.Duration {
	tags := make(Tags, len(t.tags)+1)
	for k, v := range t.tags {
		tags[k] = v
	}

	if err != nil {
		tags["outcome"] = "error"
	} else {
		tags["outcome"] = "success"
	}

	elapsed := time.Since(t.start)
	t.client.Timing(t.name, tags, elapsed)

	return elapsed
}
