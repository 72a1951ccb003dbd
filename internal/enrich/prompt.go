package enrich

import (
	"fmt"
	"strings"

	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/model"
)

const systemPrompt = `You are a U.S. customs tariff analyst. You report duty rates from the Harmonized Tariff Schedule of the United States and from Section 301 and Section 232 actions.

Respond with ONLY a JSON object, no prose, using exactly these keys:
{
  "mfn_rate": number,          // column 1 general rate as a decimal fraction (0.025 for 2.5%), 0 if Free
  "usmca_rate": number,        // USMCA preferential rate as a decimal fraction
  "section_301_rate": number,  // additional Section 301 duty as a decimal fraction
  "section_232_rate": number,  // additional Section 232 duty as a decimal fraction
  "confidence": "high" | "medium" | "low",
  "effective_date": "YYYY-MM-DD",
  "citation": string           // HTS heading, Federal Register notice, or proclamation relied on
}

Rules:
- Section 301 duties apply ONLY to goods of Chinese origin. For any other origin section_301_rate MUST be 0.
- Section 232 duties apply ONLY to steel (chapters 72 and 73) and aluminum (chapter 76). For any other chapter section_232_rate MUST be 0.
- Use null for a rate you cannot determine. Never guess a nonzero value.
- Use "low" confidence when you are unsure of the current rate.`

// buildPrompt renders the per-code question.
func buildPrompt(code, origin string, year int, maxTokens int64) llm.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "HTS code: %s\n", code)
	fmt.Fprintf(&b, "Country of origin: %s\n", origin)
	fmt.Fprintf(&b, "Tariff year: %d\n", year)
	if !model.Section301Applies(origin) {
		b.WriteString("Origin is not China: section_301_rate is 0.\n")
	}
	if !model.Section232Applies(code) {
		b.WriteString("Code is outside chapters 72, 73 and 76: section_232_rate is 0.\n")
	}
	b.WriteString("Return the JSON object now.")

	return llm.Prompt{
		System:    systemPrompt,
		User:      b.String(),
		MaxTokens: maxTokens,
	}
}
