// Package app assembles the resolution services, the HTTP server and the
// process lifecycle from configuration.
package app

import (
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/store"
	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/batch"
	"github.com/Ramsey-B/clover/pkg/decisions"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/guardrails"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/records"
	"github.com/Ramsey-B/clover/pkg/resolution"
)

// Options tunes the services. Nil collaborators are left out.
type Options struct {
	Thresholds map[models.EntityKind]resolution.Thresholds
	Matching   matching.Config
	Attributes attributes.Config
	Batch      batch.Config

	Geocoder matching.Geocoder
	Analyzer resolution.TextAnalyzer
	Locker   batch.Locker
	Sinks    []events.Sink
}

// DefaultOptions returns the defaults of every component.
func DefaultOptions() Options {
	return Options{
		Thresholds: resolution.DefaultThresholds(),
		Matching:   matching.DefaultConfig(),
		Attributes: attributes.DefaultConfig(),
		Batch:      batch.DefaultConfig(),
	}
}

// Services is the resolution engine over one store.
type Services struct {
	Store      store.Store
	Index      *identity.Index
	Attributes *attributes.Service
	Log        *decisions.Log
	Emitter    *events.Emitter
	Resolver   *resolution.Resolver
	Merger     *merging.Merger
	Registry   *records.Registry
	Processor  *batch.Processor
}

func NewServices(s store.Store, opts Options, logger ectologger.Logger) *Services {
	index := identity.NewIndex(s, logger)
	log := decisions.NewLog(s, logger)
	emitter := events.NewEmitter(logger, opts.Sinks...)
	attrs := attributes.NewService(s, index, attributes.DefaultSchema(), opts.Attributes, logger)

	resolver := resolution.NewResolver(resolution.Deps{
		Store:      s,
		Index:      index,
		Screener:   guardrails.New(guardrails.DefaultConfig()),
		Matcher:    matching.NewMatcher(s, index, opts.Geocoder, opts.Matching, logger),
		Gate:       resolution.NewGate(opts.Thresholds),
		Attributes: attrs,
		Log:        log,
		Analyzer:   opts.Analyzer,
		Emitter:    emitter,
	}, logger)

	registry := records.NewRegistry()
	return &Services{
		Store:      s,
		Index:      index,
		Attributes: attrs,
		Log:        log,
		Emitter:    emitter,
		Resolver:   resolver,
		Merger:     merging.NewMerger(s, index, log, emitter, logger),
		Registry:   registry,
		Processor:  batch.NewProcessor(s, registry, resolver, opts.Locker, opts.Batch, logger),
	}
}
