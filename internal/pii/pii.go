// Package pii detects and masks personally identifiable information in
// tool call arguments before they are forwarded upstream, and restores the
// original values in the response that comes back.
package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mcpcp/proxy/internal/backoff"
	"github.com/mcpcp/proxy/internal/observability"
)

// Kind tags a pattern's PII category.
type Kind string

const (
	KindEmail         Kind = "email"
	KindSSN           Kind = "ssn"
	KindPhone         Kind = "phone"
	KindCreditCard    Kind = "credit_card"
	KindIPAddress     Kind = "ip_address"
	KindDateOfBirth   Kind = "date_of_birth"
	KindPassport      Kind = "passport"
	KindDriverLicense Kind = "driver_license"
	KindCustom        Kind = "custom"
)

// Pattern is a compiled PII detector: a kind, a regular expression, the
// placeholder token prefix it substitutes, and a confidence in [0,1].
type Pattern struct {
	Kind        Kind
	Regex       *regexp.Regexp
	Replacement string
	Confidence  float64
}

// LLMClient is the capability interface for the optional LLM-backed PII
// fallback. The production wiring points this at the same
// OpenAI-compatible client the compressor uses; any implementation works,
// including a fake in tests.
type LLMClient interface {
	GenerateText(ctx context.Context, system, user string, maxTokens int) (string, error)
}

// llmDetectionResult is the JSON contract an LLM fallback call must return:
// {hasPII, detectedTypes[], maskedText}.
type llmDetectionResult struct {
	HasPII        bool     `json:"hasPII"`
	DetectedTypes []string `json:"detectedTypes"`
	MaskedText    string   `json:"maskedText"`
}

// builtinOrder fixes the pattern application order: more specific before
// more generic, so e.g. credit-card BIN-specific matches apply before a
// generic digit-grouping pattern could consume the same text.
var builtinOrder = []Kind{
	KindEmail,
	KindSSN,
	KindCreditCard,
	KindPassport,
	KindDriverLicense,
	KindPhone,
	KindDateOfBirth,
	KindIPAddress,
}

// BuiltinPatterns returns the fixed, compiled-once-at-startup pattern set.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{Kind: KindEmail, Regex: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), Replacement: "EMAIL_REDACTED", Confidence: 0.95},
		{Kind: KindSSN, Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Replacement: "SSN_REDACTED", Confidence: 0.9},
		{Kind: KindCreditCard, Regex: regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[- ]?\d{4}[- ]?\d{4}[- ]?\d{1,4}\b`), Replacement: "CREDIT_CARD_REDACTED", Confidence: 0.85},
		{Kind: KindPassport, Regex: regexp.MustCompile(`\b[A-Z]{1,2}\d{6,9}\b`), Replacement: "PASSPORT_REDACTED", Confidence: 0.55},
		{Kind: KindDriverLicense, Regex: regexp.MustCompile(`\b[A-Z]\d{7,13}\b`), Replacement: "DRIVER_LICENSE_REDACTED", Confidence: 0.5},
		{Kind: KindPhone, Regex: regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`), Replacement: "PHONE_REDACTED", Confidence: 0.75},
		{Kind: KindDateOfBirth, Regex: regexp.MustCompile(`\b(?:19|20)\d{2}[-/](?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12]\d|3[01])\b`), Replacement: "DATE_OF_BIRTH_REDACTED", Confidence: 0.6},
		{Kind: KindIPAddress, Regex: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), Replacement: "IP_ADDRESS_REDACTED", Confidence: 0.8},
	}
}

// CustomPattern describes one configuration-supplied pattern. Custom
// patterns always carry confidence 1.0 — they're operator-authored, not
// heuristically scored.
type CustomPattern struct {
	Name        string
	Regex       string
	Replacement string
}

// Policy is the merged masking policy for one tool (mirrors
// resolver.MaskingPolicy, duplicated here to avoid a resolver→pii import
// cycle; the handler constructs it from the resolver's result).
type Policy struct {
	Enabled              bool
	PIITypes             []string
	LLMFallback          bool
	LLMFallbackThreshold float64
}

// Masker masks PII in tool arguments and restores it in results.
type Masker struct {
	builtin map[Kind]Pattern
	order   []Kind

	custom []Pattern
	llm    LLMClient
	logger *slog.Logger

	metrics *observability.Metrics
}

// SetMetrics installs the metrics recorder. A nil metrics makes every
// Record* call a no-op.
func (m *Masker) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// New builds a Masker from the fixed built-in patterns plus any
// configuration-supplied custom patterns, with an optional LLM fallback
// client (nil disables the fallback regardless of policy).
func New(custom []CustomPattern, llm LLMClient, logger *slog.Logger) (*Masker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Masker{
		builtin: make(map[Kind]Pattern),
		order:   builtinOrder,
		llm:     llm,
		logger:  logger,
	}
	for _, p := range BuiltinPatterns() {
		m.builtin[p.Kind] = p
	}

	for _, c := range custom {
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile custom pattern %q: %w", c.Name, err)
		}
		m.custom = append(m.custom, Pattern{
			Kind:        KindCustom,
			Regex:       re,
			Replacement: c.Replacement,
			Confidence:  1.0,
		})
	}

	return m, nil
}

// Result is the outcome of one maskToolArgs call.
type Result struct {
	Masked          map[string]any
	RestorationMap  map[string]string
	WasMasked       bool
	MaskedFields    int
}

// counter generates unique per-call placeholder suffixes and tallies
// matches per PII kind for metrics.
type counter struct {
	n      map[string]int
	byKind map[string]int
}

func newCounter() *counter { return &counter{n: make(map[string]int), byKind: make(map[string]int)} }

func (c *counter) next(replacement string) int {
	v := c.n[replacement]
	c.n[replacement] = v + 1
	return v
}

func (c *counter) countKind(kind string) {
	c.byKind[kind]++
}

// MaskToolArgs masks PII in args per policy, which must already be
// resolved for the tool in question (the caller looked it up via the
// resolver).
func (m *Masker) MaskToolArgs(ctx context.Context, args map[string]any, policy Policy) Result {
	if !policy.Enabled || args == nil {
		return Result{Masked: args, RestorationMap: map[string]string{}}
	}

	patterns := m.patternsFor(policy.PIITypes)
	restoration := make(map[string]string)
	cnt := newCounter()

	masked := m.maskValue(ctx, args, patterns, policy, restoration, cnt)
	maskedMap, _ := masked.(map[string]any)

	wasMasked := len(restoration) > 0
	if wasMasked {
		for kind, n := range cnt.byKind {
			if kind != "llm_detected" {
				m.recordMasking("masked", kind, n)
			}
		}
	} else {
		m.recordMasking("unmasked", "", 0)
	}

	return Result{
		Masked:         maskedMap,
		RestorationMap: restoration,
		WasMasked:      wasMasked,
		MaskedFields:   len(restoration),
	}
}

// patternsFor selects the built-in patterns named in piiTypes (in
// declaration order) plus all custom patterns; an empty piiTypes list
// means "all built-ins".
func (m *Masker) patternsFor(piiTypes []string) []Pattern {
	var selected []Pattern
	if len(piiTypes) == 0 {
		for _, k := range m.order {
			selected = append(selected, m.builtin[k])
		}
	} else {
		want := make(map[Kind]bool, len(piiTypes))
		for _, t := range piiTypes {
			want[Kind(t)] = true
		}
		for _, k := range m.order {
			if want[k] {
				selected = append(selected, m.builtin[k])
			}
		}
	}
	selected = append(selected, m.custom...)
	return selected
}

// maskValue recursively walks the argument tree, preserving object/array
// shape, masking every string leaf.
func (m *Masker) maskValue(ctx context.Context, v any, patterns []Pattern, policy Policy, restoration map[string]string, cnt *counter) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = m.maskValue(ctx, child, patterns, policy, restoration, cnt)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = m.maskValue(ctx, child, patterns, policy, restoration, cnt)
		}
		return out
	case string:
		return m.maskString(ctx, val, patterns, policy, restoration, cnt)
	default:
		return v
	}
}

func (m *Masker) maskString(ctx context.Context, s string, patterns []Pattern, policy Policy, restoration map[string]string, cnt *counter) string {
	result := s
	lowConfidence := false

	for _, p := range patterns {
		result = p.Regex.ReplaceAllStringFunc(result, func(match string) string {
			if p.Confidence < policy.LLMFallbackThreshold {
				lowConfidence = true
			}
			n := cnt.next(p.Replacement)
			placeholder := fmt.Sprintf("[%s_%d]", p.Replacement, n)
			restoration[placeholder] = match
			cnt.countKind(string(p.Kind))
			return placeholder
		})
	}

	if lowConfidence && policy.LLMFallback && m.llm != nil {
		result = m.applyLLMFallback(ctx, s, result, restoration, cnt)
	}

	return result
}

// applyLLMFallback consults the LLM detector and unions its masks with the
// regex masks already applied. On any LLM transport/parse failure it falls
// back to the regex-only result.
func (m *Masker) applyLLMFallback(ctx context.Context, original, regexMasked string, restoration map[string]string, cnt *counter) string {
	system := "You detect personally identifiable information in text. " +
		"Respond with strict JSON: {\"hasPII\": bool, \"detectedTypes\": [string], \"maskedText\": string}. " +
		"In maskedText, replace each PII occurrence with a unique placeholder like [TYPE_REDACTED]."
	user := original

	raw, err := backoff.RetryFunc(ctx, 3, func(attempt int) (string, error) {
		resp, err := m.llm.GenerateText(ctx, system, user, 512)
		if err != nil && attempt > 1 {
			m.logger.Warn("retrying pii llm fallback", "attempt", attempt, "error", err)
		}
		return resp, err
	})
	if err != nil {
		m.logger.Warn("pii llm fallback failed, using regex-only result", "error", err)
		m.recordMasking("llm_fallback_failed", "", 0)
		return regexMasked
	}

	var detected llmDetectionResult
	if err := json.Unmarshal([]byte(raw), &detected); err != nil {
		m.logger.Warn("pii llm fallback returned unparseable response, using regex-only result", "error", err)
		m.recordMasking("llm_fallback_failed", "", 0)
		return regexMasked
	}

	if !detected.HasPII || detected.MaskedText == "" {
		return regexMasked
	}

	merged := m.mergeLLMSpans(original, regexMasked, detected.MaskedText, restoration, cnt)
	m.recordMasking("llm_fallback", "llm_detected", cnt.byKind["llm_detected"])
	return merged
}

// recordMasking reports a masking outcome to the metrics recorder, if one
// is installed.
func (m *Masker) recordMasking(outcome, kind string, fieldsMasked int) {
	if m.metrics != nil {
		m.metrics.RecordMasking(outcome, kind, fieldsMasked)
	}
}

// llmPlaceholderPattern matches the bracketed placeholder tokens the LLM is
// instructed to emit in maskedText, e.g. "[EMAIL_REDACTED]".
var llmPlaceholderPattern = regexp.MustCompile(`\[[A-Za-z0-9_]+\]`)

// mergeLLMSpans unions the spans the LLM masked in maskedText with the
// spans the regex pass already masked, rather than letting either replace
// the other. It locates each literal (non-placeholder) chunk of maskedText
// within original, in order, so the gaps between consecutive chunks are
// exactly the spans the LLM considers PII. A gap is genuinely new only if
// its text doesn't already appear as a restored span in regexMasked; new
// gaps get a fresh [LLM_DETECTED_n] placeholder spliced into regexMasked at
// the same textual position, leaving everything the regex pass already
// masked untouched.
func (m *Masker) mergeLLMSpans(original, regexMasked, maskedText string, restoration map[string]string, cnt *counter) string {
	chunks := llmPlaceholderPattern.Split(maskedText, -1)
	merged := regexMasked

	// Walk consecutive located chunk boundaries to recover the PII spans
	// between them: the gap between one chunk's end and the next chunk's
	// start is the text the LLM replaced with a placeholder there.
	positions := locateChunks(original, chunks)
	for i := 0; i+1 < len(positions); i++ {
		gapStart, gapEnd := positions[i].end, positions[i+1].start
		if gapStart >= gapEnd {
			continue
		}
		span := original[gapStart:gapEnd]
		if strings.TrimSpace(span) == "" {
			continue
		}
		if strings.Contains(merged, span) {
			n := cnt.next("LLM_DETECTED")
			placeholder := fmt.Sprintf("[LLM_DETECTED_%d]", n)
			restoration[placeholder] = span
			cnt.countKind("llm_detected")
			merged = strings.Replace(merged, span, placeholder, 1)
		}
	}

	return merged
}

type chunkSpan struct{ start, end int }

// locateChunks finds each non-empty chunk's byte range within original, in
// order, skipping chunks that can't be found (keeps the walk resilient to
// an LLM response that paraphrases rather than quotes verbatim).
func locateChunks(original string, chunks []string) []chunkSpan {
	var spans []chunkSpan
	searchFrom := 0
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		idx := strings.Index(original[searchFrom:], chunk)
		if idx < 0 {
			continue
		}
		start := searchFrom + idx
		end := start + len(chunk)
		spans = append(spans, chunkSpan{start: start, end: end})
		searchFrom = end
	}
	return spans
}

// RestoreOriginals performs literal string replacement of every
// placeholder in the restoration map. It is idempotent over text
// containing no placeholders, and is the inverse of MaskToolArgs over any
// single string leaf.
func RestoreOriginals(text string, restorationMap map[string]string) string {
	if len(restorationMap) == 0 {
		return text
	}
	result := text
	for placeholder, original := range restorationMap {
		result = strings.ReplaceAll(result, placeholder, original)
	}
	return result
}
