//go:build !gcp

package export

import (
	"context"
	"errors"
)

func newGCSSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	return nil, errors.New("export: GCS sink is not enabled in this build (use -tags gcp)")
}
