package llm

import "fmt"

type errConfigMissing string

func (e errConfigMissing) Error() string {
	return fmt.Sprintf("llm: required environment variable %s is not set", string(e))
}

type errUnsupportedProvider string

func (e errUnsupportedProvider) Error() string {
	return fmt.Sprintf("llm: unsupported provider %q", string(e))
}

var errClientNotInitialized = fmt.Errorf("llm: client not initialized for this provider")
var errEmptyCompletion = fmt.Errorf("llm: backend returned no completion choices")
