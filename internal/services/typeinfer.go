package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Classifier is the oracle that assigns a type to every sample. It returns
// the raw text of its answer.
type Classifier interface {
	Classify(ctx context.Context, samples map[string]string) (string, error)
}

// InferenceResult is the outcome of type inference. Fallback is set when the
// oracle answer could not be used and every type came from the rule-based
// classifier.
type InferenceResult struct {
	Types    map[string]kpi.Type
	Fallback bool
	Reason   string
}

// Mode returns "oracle" or "fallback".
func (r InferenceResult) Mode() string {
	if r.Fallback {
		return "fallback"
	}
	return "oracle"
}

// TypeInferrer turns KPI samples into semantic types.
type TypeInferrer struct {
	classifier Classifier
	timeout    time.Duration
	retry      RetryPolicy
	logger     *slog.Logger
}

// NewTypeInferrer creates an inferrer. A nil classifier always falls back.
func NewTypeInferrer(classifier Classifier, timeout time.Duration, retry RetryPolicy, logger *slog.Logger) *TypeInferrer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypeInferrer{classifier: classifier, timeout: timeout, retry: retry, logger: logger}
}

// Infer never fails: an unusable oracle answer degrades to the fallback
// classifier for every field.
func (i *TypeInferrer) Infer(ctx context.Context, samples map[string]string) InferenceResult {
	if len(samples) == 0 {
		return InferenceResult{Types: map[string]kpi.Type{}}
	}
	if i.classifier == nil {
		return i.fallback(samples, "no classifier configured")
	}

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	raw, err := withRetry(callCtx, i.logger, "classify", i.retry, func() (string, error) {
		return i.classifier.Classify(callCtx, samples)
	})
	if err != nil {
		return i.fallback(samples, fmt.Sprintf("classifier call failed: %v", err))
	}

	types, err := parseClassification(raw, samples)
	if err != nil {
		return i.fallback(samples, err.Error())
	}
	return InferenceResult{Types: types}
}

func (i *TypeInferrer) fallback(samples map[string]string, reason string) InferenceResult {
	i.logger.Warn("Falling back to rule-based type inference.", "reason", reason, "fieldCount", len(samples))
	return InferenceResult{
		Types:    kpi.InferTypesFallback(samples),
		Fallback: true,
		Reason:   reason,
	}
}

var classificationSchema = jsonschema.MustCompileString("classification.json", `{
	"type": "object",
	"additionalProperties": {"type": "string"}
}`)

// parseClassification is the trust boundary for classifier output. Tags
// outside the allowed set become string; fields the oracle skipped are
// classified by the fallback rules.
func parseClassification(raw string, samples map[string]string) (map[string]kpi.Type, error) {
	text := gcp.StripCodeFence(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty classification", ErrMalformedOutput)
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := classificationSchema.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, verr.Message)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	answer := v.(map[string]any)
	if len(answer) == 0 {
		return nil, fmt.Errorf("%w: no fields classified", ErrMalformedOutput)
	}

	byKey := make(map[string]string, len(answer))
	for k, tag := range answer {
		byKey[strings.ToLower(strings.TrimSpace(k))] = tag.(string)
	}

	types := make(map[string]kpi.Type, len(samples))
	for name, sample := range samples {
		tag, ok := answer[name].(string)
		if !ok {
			tag, ok = byKey[strings.ToLower(strings.TrimSpace(name))]
		}
		if !ok {
			types[name] = kpi.InferTypeFallback(sample)
			continue
		}
		types[name] = kpi.ParseType(tag)
	}
	return types, nil
}
