package reconciler

import "regexp"

// IncludeFilter reports whether a path is included: iff it is named in an
// explicit path set or matches a compiled regex, or both sets are empty
// (in which case everything is included).
type IncludeFilter struct {
	paths   map[string]bool
	regexes []*regexp.Regexp
}

// NewIncludeFilter compiles the regex strings up front so Included is a
// hot-path call with no further compilation.
func NewIncludeFilter(paths []string, regexStrings []string) (IncludeFilter, error) {
	f := IncludeFilter{paths: make(map[string]bool, len(paths))}
	for _, p := range paths {
		f.paths[p] = true
	}
	for _, rs := range regexStrings {
		rx, err := regexp.Compile(rs)
		if err != nil {
			return IncludeFilter{}, err
		}
		f.regexes = append(f.regexes, rx)
	}
	return f, nil
}

// Included reports whether the slash-normalized path p should be
// materialized.
func (f IncludeFilter) Included(p string) bool {
	if len(f.paths) == 0 && len(f.regexes) == 0 {
		return true
	}
	if f.paths[p] {
		return true
	}
	for _, rx := range f.regexes {
		if rx.MatchString(p) {
			return true
		}
	}
	return false
}
