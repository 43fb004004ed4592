package snippet

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Parse parses snippet source into a Snippet. A bad block drops only that
// block; the error is recorded on the snippet.
func Parse(filePath, src string) *Snippet {
	name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	s := &Snippet{
		AppName:  name,
		FilePath: filePath,
		Checksum: ContentChecksum(src),
	}

	p := &parser{tokens: tokenize(src), snip: s}
	p.run()
	return s
}

// ParseFile reads and parses one snippet file.
func ParseFile(path string) (*Snippet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snippet: %w", err)
	}
	return Parse(path, string(data)), nil
}

type parser struct {
	tokens []Token
	pos    int
	snip   *Snippet
}

func (p *parser) cur() Token  { return p.tokens[p.pos] }
func (p *parser) next() Token { t := p.tokens[p.pos]; p.pos++; return t }

func (p *parser) skipTrivia() {
	for p.cur().Type == NEWLINE || p.cur().Type == COMMENT {
		p.pos++
	}
}

func (p *parser) run() {
	for {
		p.skipTrivia()
		tok := p.cur()
		if tok.Type == EOF {
			return
		}
		if tok.Type == IDENT && tok.Value == "location" {
			p.parseLocation()
			continue
		}
		p.errorf(tok.Line, "expected location block, got %q", tok.Value)
		p.recover()
	}
}

// recover skips ahead to the next plausible block start.
func (p *parser) recover() {
	depth := 0
	for {
		tok := p.next()
		switch tok.Type {
		case EOF:
			p.pos--
			return
		case LBRACE:
			depth++
		case RBRACE:
			if depth <= 1 {
				return
			}
			depth--
		case IDENT:
			if depth == 0 && tok.Value == "location" {
				p.pos--
				return
			}
		}
	}
}

func (p *parser) errorf(line int, format string, args ...any) {
	p.snip.Errors = append(p.snip.Errors, ParseError{
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	})
}

func (p *parser) parseLocation() {
	start := p.next() // "location"
	route := Route{
		Match:      MatchPrefix,
		SourceFile: p.snip.FilePath,
		StartLine:  start.Line,
	}
	route.Flags.RedirectPolicy = RedirectPreserve

	// Optional match modifier, then path.
	p.skipTrivia()
	tok := p.next()
	switch tok.Value {
	case "=":
		route.Match = MatchExact
		route.Modifier = "="
		p.skipTrivia()
		tok = p.next()
	case "~", "~*":
		route.Match = MatchRegex
		route.Modifier = tok.Value
		p.skipTrivia()
		tok = p.next()
	case "^~":
		route.Modifier = "^~"
		p.skipTrivia()
		tok = p.next()
	}
	if tok.Type != IDENT && tok.Type != STRING {
		p.errorf(tok.Line, "expected path after location, got %q", tok.Value)
		p.recover()
		return
	}
	route.Path = unquote(tok.Value)
	if route.Path == "" {
		p.errorf(tok.Line, "empty location path")
		p.recover()
		return
	}

	p.skipTrivia()
	if tok := p.next(); tok.Type != LBRACE {
		p.errorf(tok.Line, "expected { after location path, got %q", tok.Value)
		p.recover()
		return
	}

	ok := p.parseBody(&route)
	if !ok {
		return
	}
	if route.Upstream == "" {
		p.errorf(route.StartLine, "location %s has no proxy_pass", route.Path)
		return
	}
	p.snip.Routes = append(p.snip.Routes, route)
}

// parseBody consumes directives until the closing brace. Returns false if the
// block had to be abandoned.
func (p *parser) parseBody(route *Route) bool {
	var wantsUpgrade, wantsConnection bool

	for {
		p.skipTrivia()
		tok := p.next()
		switch tok.Type {
		case RBRACE:
			route.EndLine = tok.Line
			route.Flags.WebSocket = wantsUpgrade && wantsConnection
			return true
		case EOF:
			p.pos--
			p.errorf(route.StartLine, "unterminated location block for %s", route.Path)
			return false
		case IDENT:
			args, line := p.directiveArgs()
			p.applyDirective(route, tok.Value, args, line, &wantsUpgrade, &wantsConnection)
		default:
			p.errorf(tok.Line, "unexpected token %q in location %s", tok.Value, route.Path)
		}
	}
}

// directiveArgs collects tokens up to the terminating semicolon.
func (p *parser) directiveArgs() ([]string, int) {
	var args []string
	line := p.cur().Line
	for {
		tok := p.next()
		switch tok.Type {
		case SEMI:
			return args, line
		case EOF, RBRACE, LBRACE:
			p.pos--
			return args, line
		case NEWLINE, COMMENT:
			continue
		default:
			args = append(args, tok.Value)
		}
	}
}

func (p *parser) applyDirective(route *Route, name string, args []string, line int, wantsUpgrade, wantsConnection *bool) {
	switch name {
	case "proxy_pass":
		if len(args) != 1 {
			p.errorf(line, "proxy_pass expects one argument")
			return
		}
		target, strip, err := parseProxyPass(args[0])
		if err != nil {
			p.errorf(line, "proxy_pass: %v", err)
			return
		}
		route.Upstream = target
		route.Flags.StripPrefix = strip

	case "proxy_set_header":
		if len(args) != 2 {
			route.Extra = append(route.Extra, rawDirective(name, args))
			return
		}
		header, value := args[0], unquote(args[1])
		switch strings.ToLower(header) {
		case "upgrade":
			*wantsUpgrade = true
		case "connection":
			if strings.EqualFold(value, "upgrade") {
				*wantsConnection = true
			} else {
				route.Extra = append(route.Extra, rawDirective(name, args))
			}
		case "x-forwarded-prefix":
			route.Flags.ForwardedPrefix = true
		case "x-forwarded-proto":
			route.Flags.ForwardedProto = value
		default:
			route.Extra = append(route.Extra, rawDirective(name, args))
		}

	case "absolute_redirect":
		if len(args) == 1 && args[0] == "off" {
			route.Flags.RedirectPolicy = RedirectRelative
		} else {
			route.Extra = append(route.Extra, rawDirective(name, args))
		}

	case "proxy_redirect":
		if len(args) == 2 && strings.HasPrefix(args[0], "http://") && strings.HasPrefix(args[1], "https://") {
			route.Flags.RedirectPolicy = RedirectForceHTTPS
		} else {
			route.Extra = append(route.Extra, rawDirective(name, args))
		}

	default:
		route.Extra = append(route.Extra, rawDirective(name, args))
	}
}

// parseProxyPass extracts the upstream target from a proxy_pass URL. A
// trailing slash on the URL path means the location prefix is stripped
// before forwarding.
func parseProxyPass(raw string) (target string, strip bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if host == "" {
		return "", false, fmt.Errorf("missing host in %q", raw)
	}
	strip = strings.HasSuffix(raw, "/") && u.Path == "/"
	if strings.HasPrefix(host, "$") {
		return host, strip, nil
	}
	if u.Port() == "" {
		return "", false, fmt.Errorf("upstream %q must be host:port", host)
	}
	return host, strip, nil
}

func rawDirective(name string, args []string) string {
	if len(args) == 0 {
		return name + ";"
	}
	return name + " " + strings.Join(args, " ") + ";"
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
