package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/pkg/extractor"
)

// HTTPStream runs one remote extraction stream through the extractor
// service.
type HTTPStream struct {
	id       string
	provider string
	remote   string
	cost     int
	client   extractor.Client
	usage    UsageRecorder
	nowFunc  func() time.Time
}

// HTTPStreamConfig describes a remote stream.
type HTTPStreamConfig struct {
	ID       string
	Provider string
	// Remote is the stream name on the service; defaults to ID.
	Remote string
	Cost   int
	// Usage, when set, receives the page and token counts of every
	// successful call.
	Usage UsageRecorder
}

// NewHTTPStream builds a stream backed by client.
func NewHTTPStream(cfg HTTPStreamConfig, client extractor.Client) *HTTPStream {
	remote := cfg.Remote
	if remote == "" {
		remote = cfg.ID
	}
	provider := cfg.Provider
	if provider == "" {
		provider = cfg.ID
	}
	return &HTTPStream{
		id:       cfg.ID,
		provider: provider,
		remote:   remote,
		cost:     cfg.Cost,
		client:   client,
		usage:    cfg.Usage,
		nowFunc:  time.Now,
	}
}

// ID implements Stream.
func (s *HTTPStream) ID() string { return s.id }

// Provider implements Stream.
func (s *HTTPStream) Provider() string { return s.provider }

// Cost implements Coster.
func (s *HTTPStream) Cost() int { return s.cost }

// Extract calls the remote stream and flattens its field tree into one
// result per leaf.
func (s *HTTPStream) Extract(ctx context.Context, doc model.DocumentRef) ([]model.StreamResult, error) {
	resp, err := s.client.Extract(ctx, s.remote, toRemote(doc))
	if err != nil {
		return nil, classify(err, "extract: stream "+s.id)
	}
	if resp.Fields == nil {
		return nil, resilience.NewPermanentError(eris.Errorf("extract: stream %s returned no fields", s.id), "empty response")
	}
	if s.usage != nil {
		s.usage.Record(s.id, resp.Usage.Pages, resp.Usage.Tokens)
	}
	return consolidate.Flatten(s.id, doc.ID, resp.Fields, resp.Confidence, s.nowFunc().UTC()), nil
}

// HTTPClassifier labels documents through the extractor service.
type HTTPClassifier struct {
	client extractor.Client
}

// NewHTTPClassifier returns a classifier backed by client.
func NewHTTPClassifier(client extractor.Client) *HTTPClassifier {
	return &HTTPClassifier{client: client}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, doc model.DocumentRef) (*model.Classification, error) {
	resp, err := c.client.Classify(ctx, toRemote(doc))
	if err != nil {
		return nil, classify(err, "extract: classify")
	}
	return &model.Classification{Type: resp.DocumentType, Confidence: resp.Confidence}, nil
}

// StaticClassifier returns classifications supplied up front, typically
// from a batch manifest. Documents it does not know are unclassified.
type StaticClassifier map[string]*model.Classification

// Classify implements Classifier.
func (s StaticClassifier) Classify(_ context.Context, doc model.DocumentRef) (*model.Classification, error) {
	if c, ok := s[doc.ID]; ok && c != nil {
		cp := *c
		return &cp, nil
	}
	return &model.Classification{Type: model.TypeUnknown}, nil
}

// Or returns a classifier that answers from s and asks next about
// documents s does not know.
func (s StaticClassifier) Or(next Classifier) Classifier {
	return fallbackClassifier{known: s, next: next}
}

type fallbackClassifier struct {
	known StaticClassifier
	next  Classifier
}

func (f fallbackClassifier) Classify(ctx context.Context, doc model.DocumentRef) (*model.Classification, error) {
	if _, ok := f.known[doc.ID]; ok || f.next == nil {
		return f.known.Classify(ctx, doc)
	}
	return f.next.Classify(ctx, doc)
}

func toRemote(doc model.DocumentRef) extractor.Document {
	return extractor.Document{
		ID:       doc.ID,
		URI:      doc.URI,
		MimeType: doc.MimeType,
		Pages:    doc.Pages,
		Metadata: doc.Metadata,
	}
}

// classify maps client errors onto the retry taxonomy.
func classify(err error, msg string) error {
	var se *extractor.StatusError
	if errors.As(err, &se) {
		if resilience.IsTransientHTTPStatus(se.StatusCode) {
			return resilience.NewTransientError(eris.Wrap(err, msg), se.StatusCode)
		}
		return resilience.NewPermanentError(eris.Wrap(err, msg), "rejected")
	}
	return eris.Wrap(err, msg)
}
