package testing

import "strings"

// MultiError aggregates the failures of a FileChecker.
type MultiError []error

func (m MultiError) Error() string {
	messages := make([]string, 0, len(m))
	for _, err := range m {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n")
}

// AppendErr appends err to m if err is not nil.
func AppendErr(m *MultiError, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
