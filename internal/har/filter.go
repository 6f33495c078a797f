package har

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/joescharf/devkit/internal/models"
)

// EntryFilter selects entries. Every non-zero field adds one predicate and
// all predicates must hold. The zero value matches everything.
type EntryFilter struct {
	Domain  string  // glob on the URL host, case-insensitive
	URL     string  // glob on the full URL, case-insensitive
	Status  string  // "200", "4xx", "!3xx", "!404"
	Method  string  // comma-separated list, case-insensitive
	Type    string  // glob on the MIME type, case-insensitive
	MinTime float64 // inclusive lower bound on TimeMs
	MinSize int64   // inclusive lower bound on ResponseSize
	Limit   int     // keep only the first Limit matches; 0 = no limit
}

// IsEmpty reports whether the filter has no predicates and no limit.
func (f EntryFilter) IsEmpty() bool {
	return f == EntryFilter{}
}

type predicate func(models.IndexedEntry) bool

// FilterEntries returns the entries matching f, in input order. Filtering
// never fails: malformed patterns are matched literally.
func FilterEntries(entries []models.IndexedEntry, f EntryFilter) []models.IndexedEntry {
	if f.IsEmpty() {
		return entries
	}

	preds := f.predicates()
	var out []models.IndexedEntry
	for _, e := range entries {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if matchAll(preds, e) {
			out = append(out, e)
		}
	}
	return out
}

func matchAll(preds []predicate, e models.IndexedEntry) bool {
	for _, p := range preds {
		if !p(e) {
			return false
		}
	}
	return true
}

func (f EntryFilter) predicates() []predicate {
	var preds []predicate
	if f.Domain != "" {
		preds = append(preds, domainPredicate(f.Domain))
	}
	if f.URL != "" {
		preds = append(preds, urlPredicate(f.URL))
	}
	if f.Status != "" {
		preds = append(preds, statusPredicate(f.Status))
	}
	if f.Method != "" {
		preds = append(preds, methodPredicate(f.Method))
	}
	if f.Type != "" {
		preds = append(preds, typePredicate(f.Type))
	}
	if f.MinTime > 0 {
		preds = append(preds, minTimePredicate(f.MinTime))
	}
	if f.MinSize > 0 {
		preds = append(preds, minSizePredicate(f.MinSize))
	}
	return preds
}

func domainPredicate(pattern string) predicate {
	match := GlobMatcher(pattern)
	return func(e models.IndexedEntry) bool { return match(e.Host) }
}

func urlPredicate(pattern string) predicate {
	match := GlobMatcher(pattern)
	return func(e models.IndexedEntry) bool { return match(e.URL) }
}

func statusPredicate(spec string) predicate {
	match := StatusMatcher(spec)
	return func(e models.IndexedEntry) bool { return match(e.Status) }
}

func methodPredicate(list string) predicate {
	allowed := make(map[string]bool)
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			allowed[strings.ToUpper(m)] = true
		}
	}
	return func(e models.IndexedEntry) bool { return allowed[strings.ToUpper(e.Method)] }
}

func typePredicate(pattern string) predicate {
	match := GlobMatcher(pattern)
	return func(e models.IndexedEntry) bool { return match(e.MimeType) }
}

func minTimePredicate(min float64) predicate {
	return func(e models.IndexedEntry) bool { return e.TimeMs >= min }
}

func minSizePredicate(min int64) predicate {
	return func(e models.IndexedEntry) bool { return e.ResponseSize >= min }
}

// GlobMatcher compiles a case-insensitive glob where '*' matches any run of
// characters. Every other character is literal.
func GlobMatcher(pattern string) func(string) bool {
	quoted := regexp.QuoteMeta(pattern)
	expr := "(?i)^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return func(s string) bool { return strings.EqualFold(s, pattern) }
	}
	return re.MatchString
}

var statusClassRe = regexp.MustCompile(`(?i)^([1-5])xx$`)

// StatusMatcher parses a status spec: an exact code ("200"), a class
// ("4xx") or either negated with '!'. Anything else is compared to the
// decimal status as a string.
func StatusMatcher(spec string) func(int) bool {
	spec = strings.TrimSpace(spec)
	negate := strings.HasPrefix(spec, "!")
	if negate {
		spec = strings.TrimSpace(spec[1:])
	}

	var match func(int) bool
	if m := statusClassRe.FindStringSubmatch(spec); m != nil {
		class, _ := strconv.Atoi(m[1])
		match = func(status int) bool { return status/100 == class }
	} else {
		match = func(status int) bool { return strconv.Itoa(status) == spec }
	}

	if negate {
		return func(status int) bool { return !match(status) }
	}
	return match
}
