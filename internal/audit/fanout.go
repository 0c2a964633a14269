package audit

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Fanout writes every batch to all sinks. One failing sink does not stop the
// others; their errors are combined.
type Fanout []Sink

func (f Fanout) Write(ctx context.Context, records []Record) error {
	var result *multierror.Error
	for _, sink := range f {
		if err := sink.Write(ctx, records); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
