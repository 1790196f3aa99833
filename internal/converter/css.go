package converter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// pxValueRe matches px values for conversion to em.
var pxValueRe = regexp.MustCompile(`(\d+(?:\.\d+)?)px`)

// ptValueRe matches pt values for conversion to em.
var ptValueRe = regexp.MustCompile(`(\d+(?:\.\d+)?)pt`)

// declarationRe matches a CSS property-value pair.
var declarationRe = regexp.MustCompile(`(?i)^\s*([\w-]+)\s*:\s*(.*?)\s*;?\s*$`)

// cssIDSelectorRe matches CSS ID selectors (e.g. #cover, #intro).
// Only matches identifiers starting with a letter or underscore.
var cssIDSelectorRe = regexp.MustCompile(`#([a-zA-Z_][a-zA-Z0-9_-]*)`)

// NormalizeCSS prepares book CSS for the merged reader document.
// Absolute px/pt units are converted to em so book styles scale with the
// reader's base font size, and positioning that would escape the chapter
// containers (fixed/absolute) is removed. Comments and string literals
// are passed through untouched.
func NormalizeCSS(css string) string {
	if css == "" {
		return ""
	}

	var result strings.Builder
	i := 0

	for i < len(css) {
		ch := css[i]

		// Pass comments through without processing
		if ch == '/' && i+1 < len(css) && css[i+1] == '*' {
			end := strings.Index(css[i+2:], "*/")
			if end == -1 {
				// Unterminated comment, pass through rest
				result.WriteString(css[i:])
				break
			}
			end += i + 2 + 2 // position after "*/"
			result.WriteString(css[i:end])
			i = end
			continue
		}

		if ch == '{' || ch == '}' || ch == ';' {
			result.WriteByte(ch)
			i++
			continue
		}

		// Try to find a declaration (property: value;)
		declEnd := findDeclarationEnd(css, i)
		if declEnd > i {
			decl := css[i:declEnd]

			if m := declarationRe.FindStringSubmatch(strings.TrimSpace(decl)); m != nil {
				property := m[1]
				value := m[2]

				if isDroppedProperty(property, value) {
					// Skip this declaration and its trailing semicolon
					i = declEnd
					for i < len(css) && (css[i] == ';' || css[i] == ' ' || css[i] == '\t') {
						if css[i] == ';' {
							i++
							break
						}
						i++
					}
					continue
				}

				result.WriteString(convertUnits(decl))
				i = declEnd
				continue
			}
		}

		// Pass through anything else (selectors, whitespace, at-rules)
		result.WriteByte(ch)
		i++
	}

	return result.String()
}

// findDeclarationEnd finds the end of a CSS declaration starting at pos.
// It correctly handles string literals inside values (e.g. content: "...").
func findDeclarationEnd(css string, pos int) int {
	for i := pos; i < len(css); i++ {
		switch css[i] {
		case ';':
			return i
		case '{', '}':
			return i
		case '"', '\'':
			// Skip string literal
			quote := css[i]
			i++
			for i < len(css) {
				if css[i] == '\\' {
					i++ // skip escaped char
				} else if css[i] == quote {
					break
				}
				i++
			}
		}
	}
	return len(css)
}

// isDroppedProperty reports whether a declaration must not survive the
// merge. Fixed and absolute positioning would pull book elements out of
// the chapter flow and over the reader chrome.
func isDroppedProperty(property, value string) bool {
	if strings.ToLower(strings.TrimSpace(property)) != "position" {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(value))
	return v == "fixed" || v == "absolute"
}

// convertUnits converts px and pt values to em in a CSS string fragment.
func convertUnits(s string) string {
	// px to em (base 16px)
	s = pxValueRe.ReplaceAllStringFunc(s, func(match string) string {
		submatch := pxValueRe.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		val, err := strconv.ParseFloat(submatch[1], 64)
		if err != nil {
			return match
		}
		return formatEm(val / 16.0)
	})

	// pt to em (base 12pt)
	s = ptValueRe.ReplaceAllStringFunc(s, func(match string) string {
		submatch := ptValueRe.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		val, err := strconv.ParseFloat(submatch[1], 64)
		if err != nil {
			return match
		}
		return formatEm(val / 12.0)
	})

	return s
}

// formatEm formats an em value, omitting unnecessary decimal places.
func formatEm(val float64) string {
	if val == float64(int(val)) {
		return fmt.Sprintf("%dem", int(val))
	}
	s := strconv.FormatFloat(val, 'f', -1, 64)
	return s + "em"
}

// namespaceIDSelectors rewrites ID selectors outside declaration blocks so
// a stylesheet scoped to one section cannot collide with ids from another.
// #cover becomes #page01-cover while color codes inside values are left
// alone.
func namespaceIDSelectors(sectionID, css string) string {
	var result strings.Builder
	blockStack := make([]string, 0, 8) // "at-rule" or "decl"
	inComment := false
	inString := byte(0)
	escapeNext := false
	atStatementStart := true
	inAtRulePrelude := false
	i := 0
	for i < len(css) {
		ch := css[i]

		if inComment {
			if ch == '*' && i+1 < len(css) && css[i+1] == '/' {
				inComment = false
				result.WriteString("*/")
				i += 2
				continue
			}
			result.WriteByte(ch)
			i++
			continue
		}

		if inString != 0 {
			result.WriteByte(ch)
			switch {
			case escapeNext:
				escapeNext = false
			case ch == '\\':
				escapeNext = true
			case ch == inString:
				inString = 0
			}
			i++
			continue
		}

		if ch == '/' && i+1 < len(css) && css[i+1] == '*' {
			inComment = true
			result.WriteString("/*")
			i += 2
			continue
		}

		if ch == '"' || ch == '\'' {
			inString = ch
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '@' && atStatementStart {
			inAtRulePrelude = true
			atStatementStart = false
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '{' {
			if inAtRulePrelude {
				blockStack = append(blockStack, "at-rule")
				inAtRulePrelude = false
			} else {
				blockStack = append(blockStack, "decl")
			}
			atStatementStart = true
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '}' {
			if len(blockStack) > 0 {
				blockStack = blockStack[:len(blockStack)-1]
			}
			atStatementStart = true
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == ';' {
			inAtRulePrelude = false
			atStatementStart = true
			result.WriteByte(ch)
			i++
			continue
		}

		if ch == '#' {
			insideDecl := len(blockStack) > 0 && blockStack[len(blockStack)-1] == "decl"
			if !insideDecl && !inAtRulePrelude {
				// Try to match an ID selector at this position
				loc := cssIDSelectorRe.FindStringIndex(css[i:])
				if loc != nil && loc[0] == 0 {
					match := cssIDSelectorRe.FindStringSubmatch(css[i:])
					result.WriteString("#" + sectionID + "-" + match[1])
					i += loc[1]
					atStatementStart = false
					continue
				}
			}
		}

		if !isCSSWhitespace(ch) {
			atStatementStart = false
		}
		result.WriteByte(ch)
		i++
	}
	return result.String()
}

func isCSSWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t' || ch == '\f'
}
