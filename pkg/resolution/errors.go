package resolution

import (
	"context"
	"errors"

	"github.com/Ramsey-B/clover/pkg/geocode"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/records"
	"github.com/Ramsey-B/clover/pkg/textanalysis"
)

var (
	// ErrTransient marks a failure worth retrying on the next run.
	ErrTransient = errors.New("transient resolution failure")
	// ErrAlreadyReviewed is returned when a decision left review_pending.
	ErrAlreadyReviewed = errors.New("decision is not pending review")
	// ErrInvalidReview is returned for an outcome that cannot apply to the
	// decision.
	ErrInvalidReview = errors.New("invalid review outcome")
)

// ResultKind is the typed outcome of resolving one record.
type ResultKind string

const (
	ResultSuccess    ResultKind = "success"
	ResultValidation ResultKind = "validation"
	ResultTransient  ResultKind = "transient"
	ResultFatal      ResultKind = "fatal"
)

// Classify maps a ResolveIdentity error to its result kind.
func Classify(err error) ResultKind {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, records.ErrMalformedPayload):
		return ResultValidation
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, geocode.ErrServiceError),
		errors.Is(err, textanalysis.ErrMalformedResponse),
		errors.Is(err, textanalysis.ErrServiceUnavailable):
		return ResultTransient
	}
	return ResultFatal
}

// Result pairs a resolution with its classification.
type Result struct {
	Kind       ResultKind
	Resolution *models.Resolution
	Err        error
}

func NewResult(res *models.Resolution, err error) Result {
	return Result{Kind: Classify(err), Resolution: res, Err: err}
}

// Queued reports whether the record is waiting on a reviewer.
func (r Result) Queued() bool {
	return r.Kind == ResultSuccess && r.Resolution != nil && r.Resolution.ReviewStatus == models.ReviewPending
}
