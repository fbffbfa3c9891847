package bus

import (
	"context"
	"fmt"
	"strings"
)

// New builds the Bus backend BUS_URL names: "inproc://" (or empty) selects
// the in-process bus; any "redis://" URL selects the log-structured Redis
// Streams backend.
func New(ctx context.Context, url string) (Bus, error) {
	if url == "" || strings.HasPrefix(url, "inproc://") {
		return NewInProcessBus(), nil
	}
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return NewRedisBus(ctx, url)
	}
	return nil, fmt.Errorf("bus: unrecognized BUS_URL scheme %q", url)
}
