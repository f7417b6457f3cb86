package core

import (
	"bytes"
	"regexp"
)

// OutputNormalizer strips run-to-run noise from output content before it is
// hashed. The stored artifact keeps its original bytes.
type OutputNormalizer interface {
	Normalize(content []byte) []byte
}

// NormalizerFor returns the normalizer for a declared output, or nil when the
// output is hashed byte for byte.
func NormalizerFor(o Output) OutputNormalizer {
	if !o.Normalize {
		return nil
	}
	return NewStreamNormalizer(NewDefaultNormalizer())
}

// NoiseRule rewrites one kind of volatile text to a fixed placeholder.
type NoiseRule struct {
	Name        string
	Match       *regexp.Regexp
	Placeholder string
}

// ReportNoise lists the rules applied by DefaultNormalizer, in order. Header
// fields come first so the timestamp rules never see the host or user name.
var ReportNoise = []NoiseRule{
	{"host", regexp.MustCompile(`(?m)^(\s*(?:Host(?:name)?|Machine)\s*:\s*)\S.*$`), "${1}<HOST>"},
	{"user", regexp.MustCompile(`(?m)^(\s*(?:User|Owner)\s*:\s*)\S.*$`), "${1}<USER>"},
	{"iso8601", regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`), "<TIMESTAMP>"},
	{"log-stamp", regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2}:\d{2}(?:\.\d+)?`), "<TIMESTAMP>"},
	{"ctime", regexp.MustCompile(`\b(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun)\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}(?:\s+[A-Z]{3,4})?\s+\d{4}\b`), "<TIMESTAMP>"},
	{"epoch", regexp.MustCompile(`\b1\d{9,12}\b`), "<UNIX_TS>"},
	{"elapsed", regexp.MustCompile(`\b\d+(?:\.\d+)?\s*(?:ms|s|seconds?|minutes?|hours?)\b`), "<DURATION>"},
	{"pid", regexp.MustCompile(`\b(?i:pid)[:\s]*\d+\b`), "pid <PID>"},
	{"address", regexp.MustCompile(`0x[0-9a-fA-F]{8,16}`), "<ADDR>"},
}

// DefaultNormalizer applies a list of noise rules in sequence.
type DefaultNormalizer struct {
	rules []NoiseRule
}

// NewDefaultNormalizer returns a normalizer over ReportNoise, or over the
// given rules when any are passed.
func NewDefaultNormalizer(rules ...NoiseRule) *DefaultNormalizer {
	if len(rules) == 0 {
		rules = ReportNoise
	}
	return &DefaultNormalizer{rules: rules}
}

func (n *DefaultNormalizer) Normalize(content []byte) []byte {
	for _, r := range n.rules {
		content = r.Match.ReplaceAll(content, []byte(r.Placeholder))
	}
	return content
}

// StreamNormalizer folds CRLF line endings before handing content to Inner.
type StreamNormalizer struct {
	Inner OutputNormalizer
}

func NewStreamNormalizer(inner OutputNormalizer) *StreamNormalizer {
	return &StreamNormalizer{Inner: inner}
}

func (n *StreamNormalizer) Normalize(content []byte) []byte {
	folded := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if n.Inner == nil {
		return folded
	}
	return n.Inner.Normalize(folded)
}
