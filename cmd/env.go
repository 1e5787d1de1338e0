package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/cost"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/fetcher"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/ocr"
	"github.com/sells-group/docflow/internal/pipeline"
	"github.com/sells-group/docflow/internal/ratelimit"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/internal/router"
	"github.com/sells-group/docflow/internal/store"
	"github.com/sells-group/docflow/internal/worker"
	"github.com/sells-group/docflow/pkg/anthropic"
	"github.com/sells-group/docflow/pkg/extractor"
)

// appEnv holds everything the run and serve commands share.
type appEnv struct {
	Store       store.Store
	Checkpoints checkpointStore
	Pipeline    *pipeline.Pipeline
	Tracker     *extract.Tracker
	Breakers    *resilience.Breakers
	Costs       *cost.Calculator
}

// Close releases the stores. The pipeline must have stopped first.
func (e *appEnv) Close() {
	if e.Checkpoints != nil {
		_ = e.Checkpoints.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens the stores and builds the
// pipeline. Documents missing from known are classified by the extractor
// service. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, known extract.StaticClassifier) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cps, err := initCheckpoints(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env := &appEnv{Store: st, Checkpoints: cps, Tracker: extract.NewTracker(), Costs: newCalculator(cfg)}

	client := newExtractorClient(cfg.Extractor)
	var classifier extract.Classifier = extract.NewHTTPClassifier(client)
	if len(known) > 0 {
		classifier = known.Or(classifier)
	}

	p, breakers, err := buildPipeline(cfg, client, classifier, env.Costs, st, cps, extract.Multi{extract.LogReporter{}, env.Tracker})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p
	env.Breakers = breakers
	return env, nil
}

func newExtractorClient(c config.ExtractorConfig) extractor.Client {
	opts := []extractor.Option{}
	if c.BaseURL != "" {
		opts = append(opts, extractor.WithBaseURL(c.BaseURL))
	}
	if c.TimeoutSecs > 0 {
		opts = append(opts, extractor.WithHTTPClient(&http.Client{Timeout: time.Duration(c.TimeoutSecs) * time.Second}))
	}
	return extractor.NewClient(c.Key, opts...)
}

// buildPipeline turns configuration into a wired pipeline.
func buildPipeline(
	c *config.Config,
	client extractor.Client,
	classifier extract.Classifier,
	usage extract.UsageRecorder,
	st store.Store,
	cps checkpointStore,
	reporter extract.Reporter,
) (*pipeline.Pipeline, *resilience.Breakers, error) {
	rt, err := router.New(routerConfig(c))
	if err != nil {
		return nil, nil, eris.Wrap(err, "build router")
	}
	reg, err := buildStreams(c, client, usage)
	if err != nil {
		return nil, nil, err
	}

	breakers := resilience.NewBreakers(circuitConfig(c.Circuit))

	deps := pipeline.Deps{
		Router:       rt,
		Streams:      reg,
		Classifier:   classifier,
		Limiter:      buildLimiter(c.RateLimits),
		Breakers:     breakers,
		Consolidator: consolidate.New(consolidateConfig(c)),
		Store:        st,
		Checkpoints:  cps,
		Reporter:     reporter,
	}

	opts := pipelineOptions(c)
	opts.Fresh = freshStart
	p, err := pipeline.New(deps, opts)
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("pipeline configured",
		zap.Strings("streams", reg.IDs()),
		zap.Int("workers", c.Workers.Count),
		zap.String("store", c.Store.Driver),
		zap.String("checkpoint", c.Checkpoint.Driver),
	)
	return p, breakers, nil
}

func routerConfig(c *config.Config) router.Config {
	rc := router.Config{
		DefaultStreams: c.Router.DefaultStreams,
		HighConfidence: c.Router.HighConfidence,
		MaxFanout:      c.Router.MaxFanout,
		TypePriorities: make(map[string]model.Priority, len(c.Router.TypePriorities)),
	}
	for t, p := range c.Router.TypePriorities {
		rc.TypePriorities[t] = model.Priority(p)
	}
	for _, s := range c.Streams {
		rc.Streams = append(rc.Streams, router.StreamDef{
			ID:       s.ID,
			Priority: s.Priority,
			DocTypes: s.DocTypes,
		})
	}
	return rc
}

func buildStreams(c *config.Config, client extractor.Client, usage extract.UsageRecorder) (*extract.Registry, error) {
	reg, err := extract.NewRegistry()
	if err != nil {
		return nil, err
	}
	var (
		resolver *fetcher.Resolver
		llm      anthropic.Client
	)
	locator := func() *fetcher.Resolver {
		if resolver == nil {
			resolver = newResolver(c.OCR)
		}
		return resolver
	}
	for _, s := range c.Streams {
		var stream extract.Stream
		switch s.Kind {
		case "", config.KindHTTP:
			stream = extract.NewHTTPStream(extract.HTTPStreamConfig{
				ID:       s.ID,
				Provider: s.Provider,
				Remote:   s.Remote,
				Cost:     s.Cost,
				Usage:    usage,
			}, client)
		case config.KindPdfToText, config.KindMistral:
			engine, err := ocr.New(ocr.Config{
				Engine:        s.Kind,
				PdfToTextPath: c.OCR.PdfToTextPath,
				MistralKey:    c.OCR.MistralKey,
				MistralModel:  c.OCR.MistralModel,
				MistralURL:    c.OCR.MistralURL,
			})
			if err != nil {
				return nil, eris.Wrapf(err, "stream %s", s.ID)
			}
			stream = extract.NewOCRStream(extract.OCRStreamConfig{
				ID:         s.ID,
				Provider:   s.Provider,
				Cost:       s.Cost,
				Confidence: c.OCR.Confidence,
				Usage:      usage,
			}, engine, locator())
		case config.KindLLM:
			if c.Anthropic.Key == "" {
				return nil, eris.Errorf("stream %s: anthropic.key is required", s.ID)
			}
			if llm == nil {
				llm = anthropic.NewClient(c.Anthropic.Key, anthropic.Options{BaseURL: c.Anthropic.BaseURL})
			}
			modelID := s.Model
			if modelID == "" {
				modelID = c.Anthropic.Model
			}
			stream = extract.NewLLMStream(extract.LLMStreamConfig{
				ID:         s.ID,
				Provider:   s.Provider,
				Cost:       s.Cost,
				Model:      modelID,
				MaxTokens:  c.Anthropic.MaxTokens,
				Prompt:     c.Anthropic.Prompt,
				Confidence: c.Anthropic.Confidence,
				MaxChars:   c.Anthropic.MaxChars,
				Usage:      usage,
			}, llm, ocr.NewPdfToText(c.OCR.PdfToTextPath), locator())
		default:
			return nil, eris.Errorf("stream %s: unknown kind %q", s.ID, s.Kind)
		}
		if err := reg.Register(stream); err != nil {
			return nil, eris.Wrap(err, "register streams")
		}
	}
	return reg, nil
}

func newCalculator(c *config.Config) *cost.Calculator {
	rates := make(map[string]cost.Rate, len(c.Streams))
	for _, s := range c.Streams {
		rates[s.ID] = cost.Rate{PerPage: s.PricePerPage, PerMTok: s.PricePerMTok}
	}
	return cost.NewCalculator(rates)
}

func newResolver(c config.OCRConfig) *fetcher.Resolver {
	limits := make(map[string]rate.Limit, len(c.HostLimits))
	for _, h := range c.HostLimits {
		limits[h.Host] = rate.Limit(h.Rate)
	}
	timeout := time.Duration(c.FetchTimeoutSecs) * time.Second
	return fetcher.NewResolver(fetcher.Options{
		HTTP:    fetcher.HTTPOptions{UserAgent: c.UserAgent, Timeout: timeout, HostLimits: limits},
		FTP:     fetcher.FTPOptions{Timeout: timeout},
		TempDir: c.TempDir,
	})
}

func buildLimiter(c config.RateLimitConfig) *ratelimit.Limiter {
	providers := make(map[string]ratelimit.BucketConfig, len(c.Providers))
	for name, b := range c.Providers {
		providers[name] = ratelimit.BucketConfig{Rate: b.Rate, Burst: b.Burst}
	}
	return ratelimit.New(providers, ratelimit.BucketConfig{Rate: c.Default.Rate, Burst: c.Default.Burst})
}

func consolidateConfig(c *config.Config) consolidate.Config {
	cc := consolidate.Config{
		Streams:       make(map[string]consolidate.StreamWeight, len(c.Streams)),
		DefaultWeight: c.Consolidate.DefaultWeight,
		VerifyBoost:   c.Consolidate.VerifyBoost,
		Tolerances: consolidate.Tolerances{
			RelativeFloor:     c.Consolidate.RelativeFloor,
			RelativeTolerance: c.Consolidate.RelativeTolerance,
			AbsoluteTolerance: c.Consolidate.AbsoluteTolerance,
		},
	}
	for _, s := range c.Streams {
		cc.Streams[s.ID] = consolidate.StreamWeight{Weight: s.Weight, Priority: s.Priority}
	}
	return cc
}

func pipelineOptions(c *config.Config) pipeline.Options {
	o := pipeline.DefaultOptions()
	o.Worker = worker.Config{
		Workers:       c.Workers.Count,
		CallTimeout:   time.Duration(c.Workers.CallTimeoutSecs) * time.Second,
		ShutdownGrace: time.Duration(c.Workers.ShutdownGraceSecs) * time.Second,
		Retry:         retryPolicy(c.Retry),
	}
	o.CheckpointEveryN = c.Checkpoint.EveryN
	o.CheckpointInterval = time.Duration(c.Checkpoint.IntervalSecs) * time.Second
	if c.Events.Buffer > 0 {
		o.EventBuffer = c.Events.Buffer
	}
	return o
}

// retryPolicy overlays the configured values on the default policy. Zero
// fields keep the default; a negative jitter does too.
func retryPolicy(rc config.RetryConfig) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if d := millis(rc.InitialBackoffMs); d > 0 {
		p.InitialBackoff = d
	}
	if d := millis(rc.MaxBackoffMs); d > 0 {
		p.MaxBackoff = d
	}
	if rc.Multiplier > 0 {
		p.Multiplier = rc.Multiplier
	}
	if rc.JitterFraction >= 0 {
		p.JitterFraction = rc.JitterFraction
	}
	return p
}

func circuitConfig(cc config.CircuitConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold:  cc.FailureThreshold,
		ResetTimeout:      time.Duration(cc.ResetTimeoutSecs) * time.Second,
		HalfOpenMaxProbes: cc.HalfOpenProbes,
	}
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
