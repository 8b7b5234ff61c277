package optimize

import (
	"path"
	"regexp"
	"strings"

	"github.com/pluginhub-dev/pluginhub/internal/domain/manifest"
)

// Local module reference patterns: require('./x') and import ... from './x'.
// Only relative specifiers participate in reachability; bare specifiers
// resolve outside the bundle.
var (
	requirePattern = regexp.MustCompile(`require\s*\(\s*['"](\.{1,2}/[^'"]+)['"]\s*\)`)
	importPattern  = regexp.MustCompile(`import\s+(?:[\w{},*\s]+\s+from\s+)?['"](\.{1,2}/[^'"]+)['"]`)
)

// treeShake computes the transitive reachability set over local imports,
// starting from the entry points and the always-essential files.
func treeShake(files map[string][]byte, entryPoints []string) map[string]bool {
	reachable := make(map[string]bool, len(files))
	var queue []string

	mark := func(name string) {
		if name == "" || reachable[name] {
			return
		}
		if _, ok := files[name]; !ok {
			return
		}
		reachable[name] = true
		queue = append(queue, name)
	}

	for name := range files {
		if alwaysEssential[name] {
			mark(name)
		}
	}
	for _, entry := range entryPoints {
		mark(entry)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if !isSourceFile(current) {
			continue
		}
		content := string(files[current])
		for _, spec := range localReferences(content) {
			mark(resolveReference(current, spec, files))
		}
	}

	// Non-source assets referenced by nothing stay only when a kept source
	// file sits in the same directory subtree; standalone asset trees that
	// no entry point reaches are shaken off with their sources.
	for name := range files {
		if reachable[name] || isSourceFile(name) {
			continue
		}
		dir := path.Dir(name)
		for kept := range reachable {
			if isSourceFile(kept) && (path.Dir(kept) == dir || strings.HasPrefix(dir, path.Dir(kept)+"/")) {
				reachable[name] = true
				break
			}
		}
	}

	return reachable
}

// localReferences extracts relative import specifiers from source text.
func localReferences(content string) []string {
	var refs []string
	for _, match := range requirePattern.FindAllStringSubmatch(content, -1) {
		refs = append(refs, match[1])
	}
	for _, match := range importPattern.FindAllStringSubmatch(content, -1) {
		refs = append(refs, match[1])
	}
	return refs
}

// resolveReference maps a relative specifier to an archive entry, trying
// the literal path, then .js/.ts suffixes, then directory index files.
func resolveReference(from, spec string, files map[string][]byte) string {
	base := path.Join(path.Dir(from), spec)

	candidates := []string{
		base,
		base + ".js",
		base + ".ts",
		path.Join(base, "index.js"),
		path.Join(base, "index.ts"),
	}
	for _, candidate := range candidates {
		if _, ok := files[candidate]; ok {
			return candidate
		}
	}
	return ""
}

func isSourceFile(name string) bool {
	if name == manifest.ManifestFileName {
		return false
	}
	return strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".ts")
}
