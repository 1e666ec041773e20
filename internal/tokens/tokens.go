// Package tokens provides the deterministic token estimators used to size turns
// at write time.
package tokens

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens. Implementations must be deterministic so budget
// math is reproducible across processes.
type Estimator interface {
	Name() string
	Count(text string) int
}

// CharEstimator approximates one token per four bytes, rounding up.
type CharEstimator struct{}

// Name implements Estimator.
func (CharEstimator) Name() string { return "chars" }

// Count implements Estimator.
func (CharEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TiktokenEstimator counts BPE tokens with a tiktoken encoding.
type TiktokenEstimator struct {
	encoding string
	codec    tokenizer.Codec
}

// Name implements Estimator.
func (e *TiktokenEstimator) Name() string { return "tiktoken:" + e.encoding }

// Count implements Estimator. Encoding failures fall back to the char estimate.
func (e *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	n, err := e.codec.Count(text)
	if err != nil {
		return CharEstimator{}.Count(text)
	}
	return n
}

var codecCache sync.Map

func codecFor(encoding string) (tokenizer.Codec, error) {
	if cached, ok := codecCache.Load(encoding); ok {
		return cached.(tokenizer.Codec), nil
	}
	var enc tokenizer.Encoding
	switch encoding {
	case "cl100k_base":
		enc = tokenizer.Cl100kBase
	case "p50k_base":
		enc = tokenizer.P50kBase
	case "r50k_base":
		enc = tokenizer.R50kBase
	default:
		enc = tokenizer.O200kBase
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	actual, _ := codecCache.LoadOrStore(encoding, codec)
	return actual.(tokenizer.Codec), nil
}

// New returns the estimator named by kind ("tiktoken" or "chars"). An unknown
// kind or an unavailable encoding selects the char estimator.
func New(kind, encoding string) Estimator {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "chars" {
		return CharEstimator{}
	}
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" {
		encoding = "o200k_base"
	}
	codec, err := codecFor(encoding)
	if err != nil {
		log.WithError(err).Warnf("tokens: encoding %s unavailable, using char estimate", encoding)
		return CharEstimator{}
	}
	return &TiktokenEstimator{encoding: encoding, codec: codec}
}
