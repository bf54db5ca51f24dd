package guardrails

import (
	"context"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/BaSui01/guardflow/types"
)

// namedPattern 内置或自定义的正则模式
type namedPattern struct {
	name          string
	detection     string
	detectionType string
	re            *regexp.Regexp
	validate      func(match string) bool
}

var builtinPatterns = map[string]namedPattern{
	"email": {
		detection:     "EmailAddress",
		detectionType: "email_address",
		re:            regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	"ssn": {
		detection:     "SocialSecurityNumber",
		detectionType: "social_security_number",
		re:            regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		validate:      validSSN,
	},
	"credit_card": {
		detection:     "CreditCard",
		detectionType: "credit_card",
		re:            regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		validate:      luhnValid,
	},
	"ipv4": {
		detection:     "IpAddress",
		detectionType: "ip_address",
		re:            regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`),
	},
	"ipv6": {
		detection:     "IpAddress",
		detectionType: "ip_address",
		re:            regexp.MustCompile(`(?i)(?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4}`),
		validate:      validIPv6,
	},
	"phone": {
		detection:     "PhoneNumber",
		detectionType: "phone_number",
		re:            regexp.MustCompile(`(?:\+?1[ .\-]?)?(?:\(\d{3}\)|\b\d{3})[ .\-]?\d{3}[ .\-]\d{4}\b`),
	},
	"postal_code": {
		detection:     "PostalCode",
		detectionType: "postal_code",
		re:            regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`),
	},
}

// defaultPatterns postal_code 误报率高，只在显式指定时启用
var defaultPatterns = []string{"email", "ssn", "credit_card", "ipv4", "ipv6", "phone"}

// BuiltinPatterns returns the names accepted in the patterns param.
func BuiltinPatterns() []string {
	names := make([]string, 0, len(builtinPatterns))
	for name := range builtinPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegexDetector reports every match of its configured patterns with score 1.0.
type RegexDetector struct {
	id       string
	patterns []namedPattern
}

// NewRegexDetector builds a regex detector. params.patterns is either a list
// of built-in names or a mapping of name to expression; a mapping entry with
// an empty expression selects the built-in of that name.
func NewRegexDetector(id string, params types.Params) (*RegexDetector, error) {
	d := &RegexDetector{id: id}

	switch params["patterns"].(type) {
	case nil:
		for _, name := range defaultPatterns {
			d.patterns = append(d.patterns, builtin(name))
		}
	case map[string]any, map[any]any:
		m, err := params.Map("patterns")
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			expr, _ := m[name].(string)
			if expr == "" {
				if _, ok := builtinPatterns[name]; !ok {
					return nil, types.NewConfigurationError("detector %s: pattern %q has no expression", id, name)
				}
				d.patterns = append(d.patterns, builtin(name))
				continue
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, types.NewConfigurationError("detector %s: pattern %q: %v", id, name, err)
			}
			d.patterns = append(d.patterns, namedPattern{name: name, detection: name, detectionType: name, re: re})
		}
	default:
		names, err := params.Strings("patterns")
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if _, ok := builtinPatterns[name]; !ok {
				return nil, types.NewConfigurationError("detector %s: unknown pattern %q (known: %s)",
					id, name, strings.Join(BuiltinPatterns(), ", "))
			}
			d.patterns = append(d.patterns, builtin(name))
		}
	}

	if len(d.patterns) == 0 {
		return nil, types.NewConfigurationError("detector %s: no patterns configured", id)
	}
	return d, nil
}

func builtin(name string) namedPattern {
	p := builtinPatterns[name]
	p.name = name
	return p
}

func (d *RegexDetector) ID() string               { return d.id }
func (d *RegexDetector) Kind() types.DetectorKind { return types.DetectorKindRegex }

// Evaluate scans the chunk with every pattern.
func (d *RegexDetector) Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error) {
	var out []types.DetectionResult
	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range p.re.FindAllStringIndex(chunk.Text, -1) {
			match := chunk.Text[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(match) {
				continue
			}
			out = append(out, types.DetectionResult{
				Start:         chunk.Start + loc[0],
				End:           chunk.Start + loc[1],
				Text:          match,
				Detection:     p.detection,
				DetectionType: p.detectionType,
				DetectorID:    d.id,
				Score:         1.0,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// luhnValid 校验信用卡号的 Luhn 校验和，忽略空格与连字符
func luhnValid(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
		n++
	}
	return n >= 13 && n <= 19 && sum%10 == 0
}

func validSSN(s string) bool {
	area, group, serial := s[0:3], s[4:6], s[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

func validIPv6(s string) bool {
	if !strings.ContainsAny(s, "0123456789abcdefABCDEF") {
		return false
	}
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is6()
}
