package enrich

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// number decodes a JSON number, a numeric string, or a percentage string
// ("25%"). JSON null and empty strings decode to an unset value.
type number struct {
	v   float64
	set bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "n/a") {
			return nil
		}
		if strings.EqualFold(s, "free") {
			n.v, n.set = 0, true
			return nil
		}
		pct := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return eris.Wrapf(err, "enrich: rate %q", s)
		}
		if pct {
			f /= 100
		}
		n.v, n.set = f, true
		return nil
	}
	if err := json.Unmarshal(b, &n.v); err != nil {
		return err
	}
	n.set = true
	return nil
}

// ptr returns nil when the value was absent.
func (n number) ptr() *float64 {
	if !n.set {
		return nil
	}
	return model.Rate(n.v)
}

type aiResponse struct {
	MFN           number `json:"mfn_rate"`
	USMCA         number `json:"usmca_rate"`
	Section301    number `json:"section_301_rate"`
	Section232    number `json:"section_232_rate"`
	Confidence    string `json:"confidence"`
	EffectiveDate string `json:"effective_date"`
	Citation      string `json:"citation"`
}

func (r aiResponse) rate(c model.Category) *float64 {
	switch c {
	case model.CategoryMFN:
		return r.MFN.ptr()
	case model.CategoryUSMCA:
		return r.USMCA.ptr()
	case model.CategorySection301:
		return r.Section301.ptr()
	case model.CategorySection232:
		return r.Section232.ptr()
	}
	return nil
}

// normalized returns the category's rate in fraction scale. Raw values above
// 100 or below 0 are VALIDATION_FAILURE.
func (r aiResponse) normalized(c model.Category) (*float64, error) {
	raw := r.rate(c)
	if raw == nil {
		return nil, nil
	}
	if *raw < 0 || *raw > 100 {
		return nil, resilience.Validation(eris.Errorf("enrich: %s rate %v out of range", c, *raw))
	}
	v := model.NormalizeRate(*raw)
	if !model.ValidRate(v) {
		return nil, resilience.Validation(eris.Errorf("enrich: %s rate %v out of range", c, *raw))
	}
	return &v, nil
}

func (r aiResponse) effective() *time.Time {
	s := strings.TrimSpace(r.EffectiveDate)
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}
