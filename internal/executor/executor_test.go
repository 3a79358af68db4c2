package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/labelsquor/orchestrator/internal/domain"
)

func newItem() domain.WorkItem {
	return domain.WorkItem{ID: "wi1", State: domain.StateRunning, Stage: domain.StageDiscovery}
}

func TestRun_ReturnsDoneOutcome(t *testing.T) {
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageDiscovery: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Done(map[string]any{"found": 3}), nil
		}),
	}
	ex := New(handlers, time.Second)
	outcome := ex.Run(context.Background(), newItem(), domain.StageDiscovery)
	assert.Equal(t, domain.OutcomeDone, outcome.Kind)
	assert.Equal(t, 3, outcome.Summary["found"])
}

func TestRun_NoHandlerRegisteredIsFatal(t *testing.T) {
	ex := New(map[domain.Stage]domain.StageHandler{}, time.Second)
	outcome := ex.Run(context.Background(), newItem(), domain.StageDiscovery)
	assert.Equal(t, domain.OutcomeFailed, outcome.Kind)
	assert.Equal(t, domain.ClassFatal, outcome.Class)
}

func TestRun_HandlerTimeoutBecomesTransientFailure(t *testing.T) {
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageDiscovery: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			<-ctx.Done()
			return domain.Outcome{}, ctx.Err()
		}),
	}
	ex := New(handlers, 10*time.Millisecond)
	outcome := ex.Run(context.Background(), newItem(), domain.StageDiscovery)
	assert.Equal(t, domain.OutcomeFailed, outcome.Kind)
	assert.Equal(t, domain.ClassTransient, outcome.Class)
	assert.Equal(t, "timeout", outcome.Reason)
}

func TestRun_TypedStageFailurePreservesClass(t *testing.T) {
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageEnrichment: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, domain.NewStageFailure(domain.ClassValidation, "bad_payload")
		}),
	}
	ex := New(handlers, time.Second)
	outcome := ex.Run(context.Background(), newItem(), domain.StageEnrichment)
	assert.Equal(t, domain.OutcomeFailed, outcome.Kind)
	assert.Equal(t, domain.ClassValidation, outcome.Class)
	assert.Equal(t, "bad_payload", outcome.Reason)
}

func TestRun_QuotaExceededErrorBecomesQuotaOutcome(t *testing.T) {
	resetAt := time.Now().Add(time.Minute)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageImageFetch: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, &domain.QuotaExceededErr{Service: "vision", ResetAt: resetAt}
		}),
	}
	ex := New(handlers, time.Second)
	outcome := ex.Run(context.Background(), newItem(), domain.StageImageFetch)
	assert.Equal(t, domain.OutcomeQuota, outcome.Kind)
	assert.Equal(t, "vision", outcome.Service)
	assert.WithinDuration(t, resetAt, outcome.ResetAt, time.Second)
}

func TestRun_UnclassifiedErrorDefaultsToTransient(t *testing.T) {
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageScoring: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, errors.New("connection reset by peer")
		}),
	}
	ex := New(handlers, time.Second)
	outcome := ex.Run(context.Background(), newItem(), domain.StageScoring)
	assert.Equal(t, domain.OutcomeFailed, outcome.Kind)
	assert.Equal(t, domain.ClassTransient, outcome.Class)
}

func TestRun_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageDataMapping: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, errors.New("missing dependency: geocoder")
		}),
	}
	ex := New(handlers, time.Second)
	item := newItem()

	var last domain.Outcome
	for i := 0; i < 5; i++ {
		last = ex.Run(context.Background(), item, domain.StageDataMapping)
	}
	assert.Equal(t, domain.OutcomeFailed, last.Kind)
	// The breaker trips after 3 consecutive failures, so the later runs are
	// rejected without calling the handler and reported as a TRANSIENT
	// circuit_open failure.
	assert.Equal(t, domain.ClassTransient, last.Class)
	assert.Equal(t, "circuit_open", last.Reason)
}
