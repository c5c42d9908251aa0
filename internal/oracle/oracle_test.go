package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
	"github.com/xkilldash9x/cryptoscope/internal/config"
)

type fakeGenerator struct {
	response string
	err      error
	lastReq  generationRequest
	calls    int
}

func (f *fakeGenerator) Generate(_ context.Context, req generationRequest) (string, error) {
	f.calls++
	f.lastReq = req
	return f.response, f.err
}

func (f *fakeGenerator) Close() error { return nil }

func newTestOracle(gen generator) *llmOracle {
	return &llmOracle{
		gen:           gen,
		limiter:       rate.NewLimiter(rate.Inf, 1),
		model:         "test-model",
		analysisModel: "test-analysis-model",
		logger:        zap.NewNop(),
	}
}

func TestExtractJSON(t *testing.T) {
	type target struct {
		StepInto bool `json:"step_into"`
	}

	t.Run("bare object", func(t *testing.T) {
		got, err := extractJSON[target](`{"step_into": true}`)
		require.NoError(t, err)
		assert.True(t, got.StepInto)
	})

	t.Run("markdown fence", func(t *testing.T) {
		got, err := extractJSON[target]("```json\n{\"step_into\": true}\n```")
		require.NoError(t, err)
		assert.True(t, got.StepInto)
	})

	t.Run("conversational padding", func(t *testing.T) {
		got, err := extractJSON[target](`Sure, here is the decision: {"step_into": true} Hope that helps!`)
		require.NoError(t, err)
		assert.True(t, got.StepInto)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := extractJSON[target]("I cannot answer that.")
		assert.Error(t, err)
	})
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     schemas.StepAction
	}{
		{"step into wins", `{"step_into": true, "step_over": true}`, schemas.StepInto},
		{"step out over step over", `{"step_out": true, "step_over": true}`, schemas.StepOut},
		{"step over", `{"step_over": true}`, schemas.StepOver},
		{"all false defaults to over", `{}`, schemas.StepOver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOracle(&fakeGenerator{response: tc.response})
			got, err := o.Decide(context.Background(), "snapshot line", nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("malformed response falls back to step over", func(t *testing.T) {
		o := newTestOracle(&fakeGenerator{response: "no json here"})
		got, err := o.Decide(context.Background(), "snapshot line", nil)
		assert.Error(t, err)
		assert.Equal(t, schemas.StepOver, got)
	})

	t.Run("generator error falls back to step over", func(t *testing.T) {
		o := newTestOracle(&fakeGenerator{err: errors.New("boom")})
		got, err := o.Decide(context.Background(), "snapshot line", nil)
		assert.Error(t, err)
		assert.Equal(t, schemas.StepOver, got)
	})

	t.Run("history precedes the current pause", func(t *testing.T) {
		gen := &fakeGenerator{response: `{"step_over": true}`}
		o := newTestOracle(gen)
		_, err := o.Decide(context.Background(), "current", []string{"older", "newer"})
		require.NoError(t, err)
		assert.True(t, gen.lastReq.ForceJSON)
		body := gen.lastReq.User
		older := indexOf(t, body, "older")
		newer := indexOf(t, body, "newer")
		current := indexOf(t, body, "current")
		assert.Less(t, older, newer)
		assert.Less(t, newer, current)
	})
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.NotEqual(t, -1, idx, "expected %q in prompt", needle)
	return idx
}

func TestAnalyze(t *testing.T) {
	t.Run("writes report next to transcript", func(t *testing.T) {
		dir := t.TempDir()
		transcript := filepath.Join(dir, "debug_data-20260829.txt")
		require.NoError(t, os.WriteFile(transcript, []byte("pause 1 || x=1\npause 2 || x=2\n"), 0o644))

		gen := &fakeGenerator{response: "# Report\n\nAES-CBC with a hardcoded key."}
		o := newTestOracle(gen)

		reportPath, err := o.Analyze(context.Background(), transcript)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "debug_data-20260829-report.md"), reportPath)

		data, err := os.ReadFile(reportPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "AES-CBC")
		assert.Equal(t, "test-analysis-model", gen.lastReq.Model)
		assert.Contains(t, gen.lastReq.User, "pause 2")
	})

	t.Run("missing transcript", func(t *testing.T) {
		o := newTestOracle(&fakeGenerator{response: "report"})
		_, err := o.Analyze(context.Background(), filepath.Join(t.TempDir(), "absent.txt"))
		assert.Error(t, err)
	})

	t.Run("empty transcript", func(t *testing.T) {
		dir := t.TempDir()
		transcript := filepath.Join(dir, "empty.txt")
		require.NoError(t, os.WriteFile(transcript, nil, 0o644))
		o := newTestOracle(&fakeGenerator{response: "report"})
		_, err := o.Analyze(context.Background(), transcript)
		assert.Error(t, err)
	})
}

func TestCompatGenerator(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var gotAuth atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth.Store(r.Header.Get("Authorization"))
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)

			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-model", req.Model)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "system", req.Messages[0].Role)
			require.NotNil(t, req.ResponseFormat)
			assert.Equal(t, "json_object", req.ResponseFormat.Type)

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"step_over\": true}"}}]}`))
		}))
		defer server.Close()

		gen, err := newCompatGenerator(config.OracleConfig{
			Provider: config.ProviderCustom,
			BaseURL:  server.URL + "/v1",
			APIKey:   "sk-test",
			Timeout:  5 * time.Second,
		}, zap.NewNop())
		require.NoError(t, err)
		defer gen.Close()

		text, err := gen.Generate(context.Background(), generationRequest{
			Model:     "test-model",
			System:    "sys",
			User:      "user",
			ForceJSON: true,
		})
		require.NoError(t, err)
		assert.Equal(t, `{"step_over": true}`, text)
		assert.Equal(t, "Bearer sk-test", gotAuth.Load())
	})

	t.Run("retries transient errors", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
		}))
		defer server.Close()

		gen, err := newCompatGenerator(config.OracleConfig{
			Provider: config.ProviderCustom,
			BaseURL:  server.URL,
			APIKey:   "sk-test",
			Timeout:  5 * time.Second,
		}, zap.NewNop())
		require.NoError(t, err)
		defer gen.Close()

		text, err := gen.Generate(context.Background(), generationRequest{Model: "m", User: "u"})
		require.NoError(t, err)
		assert.Equal(t, "ok", text)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
		}))
		defer server.Close()

		gen, err := newCompatGenerator(config.OracleConfig{
			Provider: config.ProviderCustom,
			BaseURL:  server.URL,
			APIKey:   "sk-test",
			Timeout:  5 * time.Second,
		}, zap.NewNop())
		require.NoError(t, err)
		defer gen.Close()

		_, err = gen.Generate(context.Background(), generationRequest{Model: "m", User: "u"})
		assert.Error(t, err)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("known providers carry default base URLs", func(t *testing.T) {
		for _, p := range []config.OracleProvider{
			config.ProviderQwen, config.ProviderDeepSeek, config.ProviderKimi, config.ProviderOpenAI,
		} {
			gen, err := newCompatGenerator(config.OracleConfig{Provider: p, APIKey: "k"}, zap.NewNop())
			require.NoError(t, err, "provider %s", p)
			gen.Close()
		}
	})

	t.Run("custom without base URL fails", func(t *testing.T) {
		_, err := newCompatGenerator(config.OracleConfig{Provider: config.ProviderCustom, APIKey: "k"}, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestReportPathFor(t *testing.T) {
	assert.Equal(t, filepath.Join("result", "logs", "debug_data-1-report.md"),
		reportPathFor(filepath.Join("result", "logs", "debug_data-1.txt")))
	assert.Equal(t, filepath.Join("x", "trace-report.md"),
		reportPathFor(filepath.Join("x", "trace")))
}
