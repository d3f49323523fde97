package pkgcache

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ParseInstallerPackages extracts the package names assigned to the shell
// array variable in script, e.g.
//
//	PACKAGES=(
//	    base linux   # kernel
//	    "networkmanager"
//	)
func ParseInstallerPackages(script []byte, variable string) ([]string, error) {
	start := regexp.MustCompile(`^\s*(?:(?:declare|typeset)\s+-a\s+|local\s+|readonly\s+)?` + regexp.QuoteMeta(variable) + `=\((.*)$`)

	scanner := bufio.NewScanner(bytes.NewReader(script))
	var (
		packages []string
		inArray  bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if !inArray {
			match := start.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			inArray = true
			line = match[1]
		}
		words, closed := arrayWords(line)
		packages = append(packages, words...)
		if closed {
			return packages, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if inArray {
		return nil, fmt.Errorf("array %s is not terminated", variable)
	}
	return nil, fmt.Errorf("array %s not found in installer script", variable)
}

// arrayWords splits one line of array body into words. It stops at an
// unquoted ")" and reports whether it saw one.
func arrayWords(line string) ([]string, bool) {
	var (
		words   []string
		current strings.Builder
		quote   rune
		inWord  bool
	)
	flush := func() {
		if inWord {
			words = append(words, current.String())
			current.Reset()
			inWord = false
		}
	}
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '#' && !inWord:
			flush()
			return words, false
		case r == ')':
			flush()
			return words, true
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	flush()
	return words, false
}

// Resolve merges the installer's packages with the always-required ones into
// a sorted list without duplicates.
func Resolve(installer, required []string) []string {
	seen := make(map[string]struct{}, len(installer)+len(required))
	var out []string
	for _, list := range [][]string{installer, required} {
		for _, pkg := range list {
			pkg = strings.TrimSpace(pkg)
			if pkg == "" {
				continue
			}
			if _, ok := seen[pkg]; ok {
				continue
			}
			seen[pkg] = struct{}{}
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

// Stamp hashes a resolved package list.
func Stamp(packages []string) string {
	hasher := blake3.New()
	for _, pkg := range packages {
		hasher.Write([]byte(pkg))
		hasher.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}
