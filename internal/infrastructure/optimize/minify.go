package optimize

import (
	"regexp"
	"strings"
)

var (
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingSpaces      = regexp.MustCompile(`[ \t]+\n`)
	blankLines          = regexp.MustCompile(`\n{3,}`)
	spaceRuns           = regexp.MustCompile(`[ \t]{2,}`)
)

// Minify strips comments and normalizes whitespace in source text.
// Comments that carry URLs, JSDoc annotations, or a !license marker are
// preserved. Aggressive mode additionally collapses interior space runs and
// blank lines.
func Minify(content []byte, aggressive bool) []byte {
	text := string(content)

	text = blockCommentPattern.ReplaceAllStringFunc(text, func(comment string) string {
		if preserveComment(comment) {
			return comment
		}
		return ""
	})

	var out []string
	for _, line := range strings.Split(text, "\n") {
		stripped := stripLineComment(line)
		out = append(out, stripped)
	}
	text = strings.Join(out, "\n")

	text = trailingSpaces.ReplaceAllString(text, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")

	if aggressive {
		var lines []string
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimRight(line, " \t")
			if trimmed == "" {
				continue
			}
			lines = append(lines, spaceRunsOutsideStrings(trimmed))
		}
		text = strings.Join(lines, "\n")
	}

	return []byte(text)
}

// preserveComment keeps license banners, JSDoc, and comments with URLs.
func preserveComment(comment string) bool {
	return strings.Contains(comment, "!license") ||
		strings.Contains(comment, "@") ||
		strings.Contains(comment, "://")
}

// stripLineComment removes a trailing // comment unless it contains a URL
// or sits inside a string literal.
func stripLineComment(line string) string {
	inSingle, inDouble, inBacktick := false, false, false
	for i := 0; i < len(line)-1; i++ {
		switch line[i] {
		case '\'':
			if !inDouble && !inBacktick {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle && !inBacktick {
				inDouble = !inDouble
			}
		case '`':
			if !inSingle && !inDouble {
				inBacktick = !inBacktick
			}
		case '/':
			if line[i+1] == '/' && !inSingle && !inDouble && !inBacktick {
				// A preceding ':' means this is almost certainly a URL.
				if i > 0 && line[i-1] == ':' {
					continue
				}
				rest := line[i:]
				if strings.Contains(rest, "://") {
					return line
				}
				return strings.TrimRight(line[:i], " \t")
			}
		}
	}
	return line
}

// spaceRunsOutsideStrings collapses runs of spaces that sit outside string
// literals. A conservative scan: any line containing a quote is left alone.
func spaceRunsOutsideStrings(line string) string {
	if strings.ContainsAny(line, `'"`+"`") {
		return line
	}
	return spaceRuns.ReplaceAllString(line, " ")
}
