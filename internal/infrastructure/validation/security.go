package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Bounds for the static import scan. Exceeding any bound fails the scan as
// "too complex" rather than letting a hostile bundle stall ingestion.
const (
	DefaultMaxContentSize = 1 << 20
	DefaultMaxIterations  = 10000
	DefaultRegexTimeout   = 5 * time.Second
)

// unsafeModules is the fixed denylist of host modules a bundle must not
// import. The node:-prefixed variants are matched by the scan patterns.
var unsafeModules = []string{
	"fs", "child_process", "process", "os", "path", "crypto",
	"net", "http", "https", "url", "stream", "events", "util",
	"cluster", "worker_threads",
}

// ScanLimits bounds one static security scan.
type ScanLimits struct {
	MaxContentSize int
	MaxIterations  int
	RegexTimeout   time.Duration
}

// DefaultScanLimits returns the standard scan bounds.
func DefaultScanLimits() ScanLimits {
	return ScanLimits{
		MaxContentSize: DefaultMaxContentSize,
		MaxIterations:  DefaultMaxIterations,
		RegexTimeout:   DefaultRegexTimeout,
	}
}

func (l ScanLimits) normalized() ScanLimits {
	out := l
	if out.MaxContentSize <= 0 {
		out.MaxContentSize = DefaultMaxContentSize
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = DefaultMaxIterations
	}
	if out.RegexTimeout <= 0 {
		out.RegexTimeout = DefaultRegexTimeout
	}
	return out
}

// SecurityScanner performs the bounded static import scan over bundle code.
// The scan is intentionally approximate: it detects unambiguous top-level
// import/require of any denied module name within resource bounds.
type SecurityScanner struct {
	limits   ScanLimits
	patterns []*modulePattern
}

type modulePattern struct {
	module string
	re     *regexp.Regexp
}

// NewSecurityScanner creates a scanner with the given limits.
func NewSecurityScanner(limits ScanLimits) *SecurityScanner {
	limits = limits.normalized()
	patterns := make([]*modulePattern, 0, len(unsafeModules))
	for _, mod := range unsafeModules {
		// Matches require('fs'), require("node:fs"), import ... from 'fs',
		// and bare import 'fs'.
		expr := fmt.Sprintf(
			`(?m)(?:require\s*\(\s*|import\s+(?:[\w{},*\s]+\s+from\s+)?)['"](?:node:)?%s['"]`,
			regexp.QuoteMeta(mod))
		patterns = append(patterns, &modulePattern{
			module: mod,
			re:     regexp.MustCompile(expr),
		})
	}
	return &SecurityScanner{limits: limits, patterns: patterns}
}

// Scan inspects every .js/.ts file in the bundle for denied imports.
func (s *SecurityScanner) Scan(data []byte) *Verdict {
	reader, err := OpenBundle(data)
	if err != nil {
		return Invalid(err.Error())
	}

	deadline := time.Now().Add(s.limits.RegexTimeout)
	iterations := 0
	var errs []string
	var warnings []string

	for _, f := range reader.File {
		if !isScannableSource(f.Name) {
			continue
		}

		content, err := readArchiveFile(f)
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to read %s: %v", f.Name, err))
			continue
		}
		if len(content) > s.limits.MaxContentSize {
			content = content[:s.limits.MaxContentSize]
			warnings = append(warnings, fmt.Sprintf("file %s truncated to scan limit", f.Name))
		}

		for _, p := range s.patterns {
			iterations++
			if iterations > s.limits.MaxIterations {
				return Invalid("security scan aborted: bundle too complex (iteration limit)")
			}
			if time.Now().After(deadline) {
				return Invalid("security scan aborted: bundle too complex (time limit)")
			}
			if loc := p.re.Find(content); loc != nil {
				errs = append(errs, fmt.Sprintf("file %s imports unsafe module %q", f.Name, p.module))
			}
		}
	}

	if len(errs) > 0 {
		return &Verdict{IsValid: false, Errors: errs, Warnings: warnings}
	}
	return &Verdict{IsValid: true, Warnings: warnings}
}

// UnsafeModules returns a copy of the denylist.
func UnsafeModules() []string {
	return append([]string(nil), unsafeModules...)
}

func isScannableSource(name string) bool {
	return strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".ts")
}
