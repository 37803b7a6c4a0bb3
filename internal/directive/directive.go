// Package directive repairs module-boundary directives ("use client" /
// "use server") and escaping artifacts in generated source files before
// they are written to a sandbox.
package directive

import (
	"regexp"
	"strings"
)

// Canonical directive lines.
const (
	Client = `"use client";`
	Server = `"use server";`
)

var (
	// cssImport matches a stylesheet-style import line inside a script module.
	cssImport = regexp.MustCompile(`(?m)^[ \t]*@import\s+["']([^"'\\\n]+)["'];?`)
	// directivePrefix matches a boundary directive at the start of a line,
	// quoted or bare, with or without the trailing semicolon. Anything after
	// it on the same line is ordinary content.
	directivePrefix = regexp.MustCompile(`^\s*["']?use (client|server)\b["']?;?\s*`)
	// hooks matches React constructs that require a client boundary.
	hooks = regexp.MustCompile(`\buse(State|Effect|Memo|Callback|Ref|Reducer|Context)\b`)
	// reserved are framework files that must never become client modules.
	reserved = regexp.MustCompile(`layout\.tsx$|route\.ts$|middleware\.ts$`)
)

// Normalize returns content with escaping artifacts removed and at most one
// boundary directive, placed on the first line. It is deterministic and
// idempotent.
func Normalize(path, content string) string {
	code := unescape(content)

	if strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".tsx") {
		code = cssImport.ReplaceAllString(code, `import "$1";`)
	}

	body, leading := stripDirectives(code)

	usesHooks := hooks.MatchString(body)
	switch {
	case usesHooks && strings.HasSuffix(path, ".tsx") && !reserved.MatchString(path):
		return Client + "\n\n" + body
	case leading == "server" && !usesHooks:
		return Server + "\n\n" + body
	default:
		return body
	}
}

// unescape expands literal \n and \" sequences until none remain, then
// converts CRLF line endings to LF. Running to a fixed point keeps Normalize
// idempotent for inputs like `\\"`.
func unescape(s string) string {
	for strings.Contains(s, `\n`) || strings.Contains(s, `\"`) {
		s = strings.ReplaceAll(s, `\n`, "\n")
		s = strings.ReplaceAll(s, `\"`, `"`)
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// stripDirectives removes every directive prefix and the blank lines that
// lead the file. A line that held only directives is dropped; any trailing
// content on it is kept. leading reports the kind ("client" or "server") of
// the directive found before any other content, if any.
func stripDirectives(code string) (body, leading string) {
	lines := strings.Split(code, "\n")
	kept := make([]string, 0, len(lines))
	seenContent := false
	for _, line := range lines {
		stripped := false
		for {
			m := directivePrefix.FindStringSubmatch(line)
			if m == nil {
				break
			}
			if !seenContent && leading == "" {
				leading = m[1]
			}
			line = line[len(m[0]):]
			stripped = true
		}
		if stripped && line == "" {
			continue
		}
		if strings.TrimSpace(line) != "" {
			seenContent = true
		}
		if !seenContent {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), leading
}

// Has reports whether the first line of content is the given canonical directive.
func Has(content, directive string) bool {
	first, _, _ := strings.Cut(content, "\n")
	return first == directive
}
