package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify_TransientBacksOffThenFails(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second}

	d1 := p.Classify(KindTransient, 1)
	assert.Equal(t, ActionRetry, d1.Action)
	assert.Equal(t, time.Second, d1.Delay)

	d2 := p.Classify(KindTransient, 2)
	assert.Equal(t, ActionRetry, d2.Action)
	assert.Equal(t, 2*time.Second, d2.Delay, "delay doubles per attempt")

	d3 := p.Classify(KindTransient, 3)
	assert.Equal(t, ActionFailPermanent, d3.Action, "cap reached at max_retries attempts")
}

func TestClassify_DeterministicNeverRetries(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Second}

	d := p.Classify(KindDeterministic, 1)
	assert.Equal(t, ActionFailPermanent, d.Action)
	assert.Zero(t, d.Delay)
}

func TestClassify_ResourceLimitRetriesOnceReduced(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Second}

	d1 := p.Classify(KindResourceLimit, 1)
	assert.Equal(t, ActionRetry, d1.Action)
	assert.True(t, d1.ReduceConcurrency, "first resource-limit retry carries the hint")

	d2 := p.Classify(KindResourceLimit, 2)
	assert.Equal(t, ActionFailPermanent, d2.Action, "only one resource-limit retry")
}

func TestClassify_UploadSkipsAfterCap(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseDelay: time.Second}

	assert.Equal(t, ActionRetry, p.Classify(KindUpload, 1).Action)
	assert.Equal(t, ActionSkip, p.Classify(KindUpload, 2).Action,
		"exhausted upload is skipped, not failed - conversion outcome stands")
}

func TestClassify_UnknownKindFailsPermanently(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second}
	assert.Equal(t, ActionFailPermanent, p.Classify(Kind("mystery"), 1).Action)
}

func TestBackoff_Exponential(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{0, 100 * time.Millisecond}, // clamped
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

type kindedError struct{ kind Kind }

func (e *kindedError) Error() string     { return "kinded" }
func (e *kindedError) FailureKind() Kind { return e.kind }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classifiable", &kindedError{kind: KindResourceLimit}, KindResourceLimit},
		{"wrapped classifiable", fmt.Errorf("convert: %w", &kindedError{kind: KindTransient}), KindTransient},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"wrapped deadline", fmt.Errorf("convert: %w", context.DeadlineExceeded), KindTransient},
		{"plain error", errors.New("boom"), KindDeterministic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
