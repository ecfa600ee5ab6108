package audit

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/platinummonkey/bastion/pkg/errdefs"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Filter selects activity log entries. Categories are ANDed, values within a
// multi-value category are ORed. Zero values mean "no constraint".
type Filter struct {
	Search       string
	Date         time.Time
	DateFrom     time.Time
	DateTo       time.Time
	Causers      []string
	Events       []string
	Modules      []string
	SubjectTypes []string
	TimeFrom     string // "HH:MM"
	TimeTo       string // "HH:MM"

	SortBy    string // created_at, log_name, event or id
	SortOrder string // asc or desc

	Page    int
	PerPage int
}

var sortColumns = map[string]bool{"created_at": true, "log_name": true, "event": true, "id": true}

// Validate checks the fields ParseFilter cannot type-check.
func (f Filter) Validate() error {
	errs := errdefs.ValidationErrors{}
	if f.SortBy != "" && !sortColumns[f.SortBy] {
		errs.Add("sort", fmt.Sprintf("cannot sort by %q", f.SortBy))
	}
	if f.SortOrder != "" && f.SortOrder != "asc" && f.SortOrder != "desc" {
		errs.Add("order", "must be asc or desc")
	}
	for field, v := range map[string]string{"time_from": f.TimeFrom, "time_to": f.TimeTo} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(timeLayout, v); err != nil {
			errs.Add(field, "must be HH:MM")
		}
	}
	if !f.DateFrom.IsZero() && !f.DateTo.IsZero() && f.DateTo.Before(f.DateFrom) {
		errs.Add("date_to", "must not be before date_from")
	}
	if f.Page < 0 {
		errs.Add("page", "must be positive")
	}
	if f.PerPage < 0 {
		errs.Add("per_page", "must be positive")
	}
	return errs.Err()
}

// Encode renders the filter as a query string without the page number, so
// pagination links can append their own page.
func (f Filter) Encode() string {
	v := url.Values{}
	if s := strings.TrimSpace(f.Search); s != "" {
		v.Set("search", s)
	}
	if !f.Date.IsZero() {
		v.Set("date", f.Date.Format(dateLayout))
	}
	if !f.DateFrom.IsZero() {
		v.Set("date_from", f.DateFrom.Format(dateLayout))
	}
	if !f.DateTo.IsZero() {
		v.Set("date_to", f.DateTo.Format(dateLayout))
	}
	for key, values := range map[string][]string{
		"causers":       f.Causers,
		"events":        f.Events,
		"modules":       f.Modules,
		"subject_types": f.SubjectTypes,
	} {
		if len(values) > 0 {
			sorted := append([]string(nil), values...)
			sort.Strings(sorted)
			v[key] = sorted
		}
	}
	if f.TimeFrom != "" {
		v.Set("time_from", f.TimeFrom)
	}
	if f.TimeTo != "" {
		v.Set("time_to", f.TimeTo)
	}
	if f.SortBy != "" {
		v.Set("sort", f.SortBy)
	}
	if f.SortOrder != "" {
		v.Set("order", f.SortOrder)
	}
	if f.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(f.PerPage))
	}
	return v.Encode()
}

// ParseFilter is the inverse of Encode, also reading page.
// Multi-value categories accept repeated keys and comma separated lists.
func ParseFilter(q url.Values) (Filter, error) {
	errs := errdefs.ValidationErrors{}
	f := Filter{
		Search:       strings.TrimSpace(q.Get("search")),
		Causers:      splitValues(q["causers"]),
		Events:       splitValues(q["events"]),
		Modules:      splitValues(q["modules"]),
		SubjectTypes: splitValues(q["subject_types"]),
		TimeFrom:     q.Get("time_from"),
		TimeTo:       q.Get("time_to"),
		SortBy:       q.Get("sort"),
		SortOrder:    strings.ToLower(q.Get("order")),
	}

	for key, dst := range map[string]*time.Time{"date": &f.Date, "date_from": &f.DateFrom, "date_to": &f.DateTo} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		d, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			errs.Add(key, "must be YYYY-MM-DD")
			continue
		}
		*dst = d
	}
	for key, dst := range map[string]*int{"page": &f.Page, "per_page": &f.PerPage} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs.Add(key, "must be a number")
			continue
		}
		*dst = n
	}
	if err := errs.Err(); err != nil {
		return Filter{}, err
	}
	return f, f.Validate()
}

func splitValues(raw []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			part = strings.TrimSpace(part)
			if part != "" && !seen[part] {
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	return out
}

// NormalizeSearch folds text for case and accent insensitive matching:
// decomposes, strips combining marks and lower-cases.
func NormalizeSearch(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
