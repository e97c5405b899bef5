package suite

import (
	"fmt"
	"net/url"
	"sort"
)

// Dialect URIs for the published JSON Schema drafts.
const (
	Draft2020 = "https://json-schema.org/draft/2020-12/schema"
	Draft2019 = "https://json-schema.org/draft/2019-09/schema"
	Draft7    = "http://json-schema.org/draft-07/schema#"
	Draft6    = "http://json-schema.org/draft-06/schema#"
	Draft4    = "http://json-schema.org/draft-04/schema#"
	Draft3    = "http://json-schema.org/draft-03/schema#"
)

// DefaultDialect is used when a run names no dialect.
const DefaultDialect = Draft2020

var shortnames = map[string]string{
	"2020":         Draft2020,
	"202012":       Draft2020,
	"2020-12":      Draft2020,
	"draft2020-12": Draft2020,
	"draft202012":  Draft2020,
	"2019":         Draft2019,
	"201909":       Draft2019,
	"2019-09":      Draft2019,
	"draft2019-09": Draft2019,
	"draft201909":  Draft2019,
	"7":            Draft7,
	"draft7":       Draft7,
	"6":            Draft6,
	"draft6":       Draft6,
	"4":            Draft4,
	"draft4":       Draft4,
	"3":            Draft3,
	"draft3":       Draft3,
}

// Shortnames lists the accepted dialect abbreviations, sorted.
func Shortnames() []string {
	names := make([]string, 0, len(shortnames))
	for name := range shortnames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveDialect maps a shortname to its URI. Anything else must already be
// an absolute URI and is returned as given.
func ResolveDialect(name string) (string, error) {
	if uri, ok := shortnames[name]; ok {
		return uri, nil
	}
	u, err := url.Parse(name)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return "", fmt.Errorf("%q is neither a dialect URI nor a known shortname (known: %v)", name, Shortnames())
	}
	return name, nil
}
