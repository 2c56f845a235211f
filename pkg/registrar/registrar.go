package registrar

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/felixnotka/trailship/pkg/metrics"
	"github.com/felixnotka/trailship/pkg/sink"
	"github.com/felixnotka/trailship/pkg/stream"
	"github.com/felixnotka/trailship/pkg/tokenstore"
)

// Registrar makes sure destination streams exist before anything is appended.
type Registrar struct {
	Sink   sink.Sink
	Tokens tokenstore.Store
}

// New creates a Registrar.
func New(s sink.Sink, tokens tokenstore.Store) *Registrar {
	return &Registrar{Sink: s, Tokens: tokens}
}

// Ensure creates the stream if it does not exist. created is true only when
// this call created it, in which case any stored token is stale (it belongs to
// a previous stream of the same name) and is deleted. An existing stream keeps
// its token.
func (r *Registrar) Ensure(ctx context.Context, id stream.ID) (created bool, err error) {
	log := logr.FromContextOrDiscard(ctx).WithName("registrar")

	err = r.Sink.CreateStream(ctx, id)
	switch {
	case err == nil:
	case sink.KindOf(err) == sink.KindAlreadyExists:
		log.V(1).Info("log stream already exists", "stream", id.String())
		return false, nil
	default:
		return false, fmt.Errorf("creating log stream %s: %w", id, err)
	}

	metrics.StreamsCreatedTotal.Inc()
	log.Info("created log stream", "group", id.Group, "stream", id.Name)

	if err := r.Tokens.Delete(ctx, id); err != nil {
		return true, fmt.Errorf("clearing token of new stream %s: %w", id, err)
	}
	return true, nil
}
