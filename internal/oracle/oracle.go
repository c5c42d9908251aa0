package oracle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
	"github.com/xkilldash9x/cryptoscope/internal/config"
)

// maxTranscriptBytes caps how much of a stepping transcript is handed to
// the analysis model. When the transcript is larger we keep the tail,
// which holds the pauses closest to the payload being assembled.
const maxTranscriptBytes = 512 << 10

const decisionSystemPrompt = `You are a reverse engineer stepping through obfuscated JavaScript in a live debugger.
At each pause you receive a snapshot of the current position (source context, call stack, local scopes) and the snapshots from the previous pauses.
Your goal is to navigate the debugger toward the code that performs cryptographic work: key derivation, encryption or signing of a request payload.
Guidance:
- Step INTO calls whose callee or arguments look cryptographic (key, iv, sign, encrypt, digest, hex strings, byte arrays).
- Step OUT of library plumbing, promise machinery and dispatcher loops that merely forward values.
- Step OVER bookkeeping, logging and DOM work.
Respond with ONLY a JSON object: {"step_into": bool, "step_out": bool, "step_over": bool}. Exactly one field should be true.`

const analysisSystemPrompt = `You are a reverse engineer summarizing a JavaScript debugging session.
You receive a transcript with one line per debugger pause: location, source context, call stack and extracted local variables.
Write a concise markdown report covering:
1. What the traced code appears to do (algorithm, library, purpose).
2. Any cryptographic material observed (keys, IVs, salts, constants) and where it came from.
3. How the request payload or signature is assembled, as far as the transcript shows.
4. Concrete next steps for continuing the investigation.
Be specific. Quote variable names and values from the transcript rather than speculating.`

// decision is the wire shape the decision model answers with.
type decision struct {
	StepInto bool `json:"step_into"`
	StepOut  bool `json:"step_out"`
	StepOver bool `json:"step_over"`
}

// generationRequest is a single prompt for a chat model.
type generationRequest struct {
	Model  string
	System string
	User   string
	// ForceJSON asks the provider for a JSON-only response where the API
	// supports it. The response is still run through extractJSON.
	ForceJSON bool
}

// generator abstracts the provider transport. Implementations exist for
// the Gemini SDK and for OpenAI-compatible HTTP endpoints.
type generator interface {
	Generate(ctx context.Context, req generationRequest) (string, error)
	Close() error
}

// llmOracle implements schemas.Oracle on top of a generator, adding rate
// limiting and prompt construction.
type llmOracle struct {
	gen           generator
	limiter       *rate.Limiter
	model         string
	analysisModel string
	timeout       time.Duration
	logger        *zap.Logger
}

// New builds an Oracle for the configured provider.
func New(cfg config.OracleConfig, logger *zap.Logger) (schemas.Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named("oracle").With(zap.String("provider", string(cfg.Provider)))

	var (
		gen generator
		err error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		gen, err = newGeminiGenerator(cfg, log)
	case config.ProviderQwen, config.ProviderDeepSeek,
		config.ProviderKimi, config.ProviderOpenAI,
		config.ProviderCustom:
		gen, err = newCompatGenerator(cfg, log)
	default:
		return nil, fmt.Errorf("oracle: unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)

	analysisModel := cfg.AnalysisModel
	if analysisModel == "" {
		analysisModel = cfg.Model
	}

	return &llmOracle{
		gen:           gen,
		limiter:       limiter,
		model:         cfg.Model,
		analysisModel: analysisModel,
		timeout:       cfg.Timeout,
		logger:        log,
	}, nil
}

// Decide asks the model for the next stepping action. On any failure the
// caller falls back to stepping over, so the error is advisory.
func (o *llmOracle) Decide(ctx context.Context, snapshot string, history []string) (schemas.StepAction, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return schemas.StepOver, fmt.Errorf("oracle: rate limit wait: %w", err)
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Previous pauses, oldest first:\n")
		for _, h := range history {
			sb.WriteString(h)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Current pause:\n")
	sb.WriteString(snapshot)

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	raw, err := o.gen.Generate(callCtx, generationRequest{
		Model:     o.model,
		System:    decisionSystemPrompt,
		User:      sb.String(),
		ForceJSON: true,
	})
	if err != nil {
		return schemas.StepOver, fmt.Errorf("oracle: decision request: %w", err)
	}

	d, err := extractJSON[decision](raw)
	if err != nil {
		o.logger.Warn("Unparseable decision response", zap.String("response", truncateForLog(raw)))
		return schemas.StepOver, err
	}

	switch {
	case d.StepInto:
		return schemas.StepInto, nil
	case d.StepOut:
		return schemas.StepOut, nil
	default:
		return schemas.StepOver, nil
	}
}

// Analyze runs the deferred post-mortem over a stepping transcript and
// writes a markdown report next to it. It returns the report path.
func (o *llmOracle) Analyze(ctx context.Context, transcriptPath string) (string, error) {
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return "", fmt.Errorf("oracle: reading transcript: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("oracle: transcript %s is empty", transcriptPath)
	}
	if len(data) > maxTranscriptBytes {
		data = data[len(data)-maxTranscriptBytes:]
		if nl := strings.IndexByte(string(data), '\n'); nl >= 0 {
			data = data[nl+1:]
		}
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("oracle: rate limit wait: %w", err)
	}

	report, err := o.gen.Generate(ctx, generationRequest{
		Model:  o.analysisModel,
		System: analysisSystemPrompt,
		User:   string(data),
	})
	if err != nil {
		return "", fmt.Errorf("oracle: analysis request: %w", err)
	}
	report = strings.TrimSpace(report)
	if report == "" {
		return "", fmt.Errorf("oracle: analysis model returned an empty report")
	}

	reportPath := reportPathFor(transcriptPath)
	if err := os.WriteFile(reportPath, []byte(report+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("oracle: writing report: %w", err)
	}
	o.logger.Info("Analysis report written",
		zap.String("transcript", transcriptPath),
		zap.String("report", reportPath))
	return reportPath, nil
}

func (o *llmOracle) Close() error {
	return o.gen.Close()
}

// reportPathFor derives the report filename from the transcript filename,
// keeping both in the same directory.
func reportPathFor(transcriptPath string) string {
	dir := filepath.Dir(transcriptPath)
	base := filepath.Base(transcriptPath)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return filepath.Join(dir, base+"-report.md")
}

func truncateForLog(s string) string {
	const limit = 400
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
