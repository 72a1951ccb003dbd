package tariffsync

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Extraction is one validated code/rate pair found in a notice.
type Extraction struct {
	Code          string     `json:"code"`
	Rate          float64    `json:"rate"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
}

// Extractor finds Section 301 code/rate pairs in notice text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*ExtractResult, error)
}

// ExtractResult holds the accepted pairs and how many candidates were rejected.
type ExtractResult struct {
	Extractions []Extraction
	Rejected    int
}

// Completer runs a prompt against the configured AI providers.
type Completer interface {
	Complete(ctx context.Context, p llm.Prompt) (llm.Result, error)
}

const extractSystemPrompt = `You extract tariff actions from U.S. Federal Register notices issued under Section 301 of the Trade Act of 1974.

Find every HTS subheading or statistical reporting number that the notice assigns an additional ad valorem duty to, and the rate of that additional duty.

Respond with ONLY a JSON object:
{"rates": [{"code": "8542.31.00", "rate": 25, "effective_date": "YYYY-MM-DD"}]}

Rules:
- "code" must be copied exactly as it appears in the notice text.
- "rate" is the additional duty in percent as printed (25 for "25 percent").
- "effective_date" is the date the duty takes effect, or null if the notice does not say.
- Exclusions, product descriptions without a code, and rates for other programs are not extractions.
- If the notice contains no such pairs return {"rates": []}.`

// LLMExtractor asks an AI provider to pull code/rate pairs out of legal
// prose, then validates every field before returning it.
type LLMExtractor struct {
	ai        Completer
	chunkSize int
	maxTokens int64
	log       *zap.Logger
}

// NewLLMExtractor creates an extractor. Long notices are split into chunks of
// at most chunkSize characters.
func NewLLMExtractor(ai Completer, chunkSize int, maxTokens int64) *LLMExtractor {
	if chunkSize <= 0 {
		chunkSize = 24000
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &LLMExtractor{
		ai:        ai,
		chunkSize: chunkSize,
		maxTokens: maxTokens,
		log:       zap.L().With(zap.String("component", "tariffsync.extract")),
	}
}

type candidate struct {
	Code          string          `json:"code"`
	Rate          json.RawMessage `json:"rate"`
	EffectiveDate *string         `json:"effective_date"`
}

type extractResponse struct {
	Rates []candidate `json:"rates"`
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, text string) (*ExtractResult, error) {
	out := &ExtractResult{}
	byCode := make(map[string]int)
	for i, chunk := range chunkText(text, e.chunkSize) {
		res, err := e.ai.Complete(ctx, llm.Prompt{
			System:    extractSystemPrompt,
			User:      "Notice text:\n\n" + chunk,
			MaxTokens: e.maxTokens,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "extract: chunk %d", i)
		}
		var resp extractResponse
		if err := llm.DecodeJSON(res.Text, &resp); err != nil {
			return nil, eris.Wrapf(err, "extract: chunk %d", i)
		}
		for _, c := range resp.Rates {
			ex, err := validateCandidate(c, chunk)
			if err != nil {
				out.Rejected++
				e.log.Debug("rejected candidate", zap.String("code", c.Code), zap.Error(err))
				continue
			}
			if idx, ok := byCode[ex.Code]; ok {
				out.Extractions[idx] = ex
				continue
			}
			byCode[ex.Code] = len(out.Extractions)
			out.Extractions = append(out.Extractions, ex)
		}
	}
	return out, nil
}

// validateCandidate checks a model-supplied pair against the source text and
// the valid rate range.
func validateCandidate(c candidate, source string) (Extraction, error) {
	code := model.NormalizeCode(c.Code)
	if code == "" {
		return Extraction{}, resilience.Validation(eris.Errorf("extract: invalid code %q", c.Code))
	}
	if !strings.Contains(compactDigits(source), code) {
		return Extraction{}, resilience.Validation(eris.Errorf("extract: code %s not in notice text", code))
	}

	raw, err := parseRate(c.Rate)
	if err != nil {
		return Extraction{}, resilience.Validation(eris.Wrapf(err, "extract: rate for %s", code))
	}
	if raw < 0 || raw > 100 {
		return Extraction{}, resilience.Validation(eris.Errorf("extract: rate %v for %s out of range", raw, code))
	}

	// The prompt asks for percent, so 1 means 1% and never 100%.
	ex := Extraction{Code: code, Rate: raw / 100}
	if c.EffectiveDate != nil && strings.TrimSpace(*c.EffectiveDate) != "" {
		t, err := time.Parse("2006-01-02", strings.TrimSpace(*c.EffectiveDate))
		if err != nil {
			return Extraction{}, resilience.Validation(eris.Wrapf(err, "extract: effective date for %s", code))
		}
		ex.EffectiveDate = &t
	}
	return ex, nil
}

// parseRate accepts 25, "25", "25%", or "25 percent".
func parseRate(b json.RawMessage) (float64, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return 0, eris.New("missing")
	}
	if b[0] != '"' {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return 0, err
		}
		return f, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return 0, err
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "percent")
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, eris.Errorf("not a number: %q", s)
	}
	return f, nil
}

// compactDigits drops the dots and spaces inside dotted subheadings so
// "8542.31.00" matches "85423100".
func compactDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '.' && i > 0 && i+1 < len(s) && isDigit(s[i-1]) && isDigit(s[i+1]) {
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// chunkText splits text on paragraph boundaries into pieces of at most size
// characters. A single paragraph longer than size is cut hard.
func chunkText(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, para := range strings.Split(text, "\n\n") {
		for len(para) > size {
			flush()
			chunks = append(chunks, para[:size])
			para = para[size:]
		}
		if cur.Len()+len(para)+2 > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}
