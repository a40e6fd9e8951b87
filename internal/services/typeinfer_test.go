package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestInferrer(c Classifier) *TypeInferrer {
	return NewTypeInferrer(c, time.Second, fastRetry, newTestLogger())
}

func TestServices_TypeInferrer_UsesOracleAnswer(t *testing.T) {
	t.Parallel()

	c := &fakeClassifier{response: "```json\n" + `{"Revenue":"number","Report Date":"DATE","Region":"categorical","Notes":"string"}` + "\n```"}
	res := newTestInferrer(c).Infer(context.Background(), map[string]string{
		"Revenue":     "$1,200",
		"Report Date": "2024-03-31",
		"Region":      "EMEA",
		"Notes":       "see appendix",
	})

	require.False(t, res.Fallback)
	require.Equal(t, "oracle", res.Mode())
	want := map[string]kpi.Type{
		"Revenue":     kpi.Number,
		"Report Date": kpi.Date,
		"Region":      kpi.Categorical,
		"Notes":       kpi.String,
	}
	if diff := cmp.Diff(want, res.Types); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestServices_TypeInferrer_UnknownTagsBecomeString(t *testing.T) {
	t.Parallel()

	c := &fakeClassifier{response: `{"Revenue":"currency","Region":"enum"}`}
	res := newTestInferrer(c).Infer(context.Background(), map[string]string{"Revenue": "$1", "Region": "EMEA"})
	require.False(t, res.Fallback)
	require.Equal(t, map[string]kpi.Type{"Revenue": kpi.String, "Region": kpi.String}, res.Types)
}

func TestServices_TypeInferrer_MissingFieldsUseFallbackRules(t *testing.T) {
	t.Parallel()

	c := &fakeClassifier{response: `{"revenue":"number"}`}
	res := newTestInferrer(c).Infer(context.Background(), map[string]string{"Revenue": "abc", "Report Date": "2024-03-31"})
	require.False(t, res.Fallback)
	require.Equal(t, kpi.Number, res.Types["Revenue"], "keys match case-insensitively")
	require.Equal(t, kpi.Date, res.Types["Report Date"])
}

func TestServices_TypeInferrer_FallsBackOnUnusableAnswers(t *testing.T) {
	t.Parallel()

	samples := map[string]string{"Revenue": "$1,200", "Report Date": "March 31, 2024", "Region": "EMEA"}
	want := kpi.InferTypesFallback(samples)

	tests := []struct {
		name       string
		classifier *fakeClassifier
		wantCalls  int
	}{
		{"prose", &fakeClassifier{response: "I think Revenue is a number."}, 1},
		{"empty object", &fakeClassifier{response: `{}`}, 1},
		{"non-string tags", &fakeClassifier{response: `{"Revenue": 1}`}, 1},
		{"array", &fakeClassifier{response: `["number"]`}, 1},
		{"call error", &fakeClassifier{err: errors.New("quota exceeded")}, int(fastRetry.MaxTries)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := newTestInferrer(tt.classifier).Infer(context.Background(), samples)
			require.True(t, res.Fallback)
			require.Equal(t, "fallback", res.Mode())
			require.NotEmpty(t, res.Reason)
			require.Equal(t, want, res.Types)
			require.Equal(t, tt.wantCalls, tt.classifier.calls)
		})
	}
}

func TestServices_TypeInferrer_NilClassifierFallsBack(t *testing.T) {
	t.Parallel()

	res := NewTypeInferrer(nil, 0, fastRetry, nil).Infer(context.Background(), map[string]string{"Revenue": "42"})
	require.True(t, res.Fallback)
	require.Equal(t, kpi.Number, res.Types["Revenue"])
}
