package classify

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrRejected marks a link that is not a recognized artifact.
var ErrRejected = errors.New("link rejected")

// DefaultExtensions is the accepted set of document, spreadsheet and archive types.
var DefaultExtensions = []string{".xlsx", ".xls", ".csv", ".pdf", ".docx", ".doc", ".zip"}

var (
	deprecationPhrases = []string{"annual report", "annual reports"}
	referencePhrases   = []string{"layout", "dictionary", "schema"}
)

// Input is everything known about a link at discovery time.
type Input struct {
	URL       string
	Filename  string
	LinkText  string
	TableText string
	Heading   string
}

// Result is a successful classification.
type Result struct {
	Program  string
	Period   string
	Strategy string
}

// Classifier applies the extension filter, the deprecation filter and the
// ordered program strategies.
type Classifier struct {
	extensions map[string]struct{}
	strategies []Strategy
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithStrategies replaces the default strategy order.
func WithStrategies(strategies ...Strategy) Option {
	return func(c *Classifier) {
		c.strategies = append([]Strategy(nil), strategies...)
	}
}

// WithExtensions replaces the accepted extension set.
func WithExtensions(exts ...string) Option {
	return func(c *Classifier) {
		c.extensions = extensionSet(exts)
	}
}

// New builds a Classifier with the default programs, strategies and extensions.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		extensions: extensionSet(DefaultExtensions),
		strategies: DefaultStrategies(DefaultPrograms()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Accepts reports whether filename carries an accepted extension.
func (c *Classifier) Accepts(filename string) bool {
	_, ok := c.extensions[strings.ToLower(path.Ext(filename))]
	return ok
}

// Classify returns the (program, period) bucket for in, or an error wrapping
// ErrRejected.
func (c *Classifier) Classify(in Input) (Result, error) {
	if !c.Accepts(in.Filename) {
		return Result{}, fmt.Errorf("%w: unsupported extension %q", ErrRejected, path.Ext(in.Filename))
	}
	if deprecated(in) {
		return Result{}, fmt.Errorf("%w: legacy report %q", ErrRejected, in.Filename)
	}

	res := Result{Program: Uncategorized, Strategy: "none", Period: ExtractPeriod(in.Filename)}
	for _, s := range c.strategies {
		if program, ok := s.Classify(in); ok {
			res.Program = program
			res.Strategy = s.Name()
			break
		}
	}
	return res, nil
}

// deprecated reports whether the link belongs to the legacy report series.
// Layout and dictionary documents are kept even inside legacy sections.
func deprecated(in Input) bool {
	if containsAny(normalizeText(in.Filename), referencePhrases) {
		return false
	}
	for _, text := range []string{in.Filename, in.LinkText, in.TableText, in.Heading} {
		if containsAny(normalizeText(text), deprecationPhrases) {
			return true
		}
	}
	return false
}

func normalizeText(s string) string {
	idx := tokenize(s)
	return " " + strings.Join(idx.order, " ") + " "
}

func containsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(normalized, " "+p+" ") {
			return true
		}
	}
	return false
}

func extensionSet(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out[e] = struct{}{}
	}
	return out
}
