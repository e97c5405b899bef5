package protocol

// Link is an extra URL an adapter advertises about itself.
type Link struct {
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
}

// Implementation is the identity an adapter reports in its start response.
// It is sourced from the adapter and never chosen by the harness.
type Implementation struct {
	Language        string   `json:"language"`
	Name            string   `json:"name"`
	Version         string   `json:"version,omitempty"`
	Dialects        []string `json:"dialects"`
	Homepage        string   `json:"homepage,omitempty"`
	Issues          string   `json:"issues,omitempty"`
	Source          string   `json:"source,omitempty"`
	Links           []Link   `json:"links,omitempty"`
	OS              string   `json:"os,omitempty"`
	OSVersion       string   `json:"os_version,omitempty"`
	LanguageVersion string   `json:"language_version,omitempty"`
}

// Supports reports whether dialect is among the advertised dialects.
func (i Implementation) Supports(dialect string) bool {
	for _, d := range i.Dialects {
		if d == dialect {
			return true
		}
	}
	return false
}

// ErrorContext is what an adapter sends when it could not validate a case.
type ErrorContext struct {
	Message   string `json:"message,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}
