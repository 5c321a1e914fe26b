package agents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ToolFunc executes one local tool call. Params arrive as decoded JSON,
// results are marshaled back for the planner.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// fetchBodyLimit caps how much of a fetched page is returned to the
// planner; model context is the scarce resource, not bandwidth.
const fetchBodyLimit = 64 << 10

var fetchClient = &http.Client{Timeout: 10 * time.Second}

// Builtins returns the locally implemented tools. Any tool name missing
// here is worker-bound and must be dispatched by capability.
func Builtins() map[string]ToolFunc {
	return map[string]ToolFunc{
		"currentTime": currentTime,
		"calculator":  calculator,
		"fetchUrl":    fetchURL,
	}
}

func currentTime(_ context.Context, _ map[string]any) (any, error) {
	now := time.Now().UTC()
	return map[string]any{
		"iso":  now.Format(time.RFC3339),
		"unix": now.Unix(),
		"day":  now.Weekday().String(),
	}, nil
}

func calculator(_ context.Context, params map[string]any) (any, error) {
	expr, ok := params["expression"].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("calculator: missing expression parameter")
	}
	value, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": value}, nil
}

func fetchURL(ctx context.Context, params map[string]any) (any, error) {
	raw, ok := params["url"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("fetchUrl: missing url parameter")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return nil, fmt.Errorf("fetchUrl: unsupported url scheme in %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("fetchUrl: build request: %w", err)
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetchUrl: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("fetchUrl: read body: %w", err)
	}
	return map[string]any{
		"status":    resp.StatusCode,
		"body":      string(body),
		"truncated": len(body) == fetchBodyLimit,
	}, nil
}

// MatchKeywords ranks agents by how many of their keywords appear in the
// message, most matches first with id as tiebreaker. Agents with no match
// are omitted.
func MatchKeywords(defs []*Definition, message string) []string {
	lowered := strings.ToLower(message)

	type scored struct {
		id   string
		hits int
	}
	var ranked []scored
	for _, def := range defs {
		hits := 0
		for _, kw := range def.Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > 0 {
			ranked = append(ranked, scored{id: def.ID, hits: hits})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].hits != ranked[j].hits {
			return ranked[i].hits > ranked[j].hits
		}
		return ranked[i].id < ranked[j].id
	})

	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}

// ─── Expression evaluator ─────────────────────────────────────────────────────

// evalExpression evaluates basic arithmetic: + - * /, parentheses and
// unary minus, on float64.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("calculator: unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("calculator: division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '(':
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("calculator: missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return value, nil
	case p.peek() == '-':
		p.pos++
		value, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -value, nil
	default:
		return p.parseNumber()
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if unicode.IsDigit(rune(c)) || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		if p.pos >= len(p.input) {
			return 0, fmt.Errorf("calculator: unexpected end of expression")
		}
		return 0, fmt.Errorf("calculator: unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("calculator: invalid number %q", p.input[start:p.pos])
	}
	return value, nil
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}
