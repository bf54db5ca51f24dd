package guardrails

import (
	"slices"
	"sort"
	"strings"

	"github.com/BaSui01/guardflow/types"
)

// requestParams lists the params a request may set per detector kind.
// Everything else comes only from the registered config.
var requestParams = map[types.DetectorKind][]string{
	types.DetectorKindRegex:          {"patterns"},
	types.DetectorKindClassification: {"labels", "safe_labels"},
	types.DetectorKindStructural:     {"format", "schema"},
	types.DetectorKindSelfReflection: {"policies", "custom_policies", "max_length", "forbidden_words"},
	types.DetectorKindRule:           nil,
	types.DetectorKindRemote:         {"detector_params"},
}

// backendParams select where a detector sends text and with which
// credentials.
var backendParams = []string{
	"url", "token", "api_key", "headers", "ca_file", "insecure_skip_verify",
	"model", "detector_id", "backend",
}

// RequestParams returns the params a request may override for kind.
func RequestParams(kind types.DetectorKind) []string {
	return slices.Clone(requestParams[kind])
}

// CheckRequestParams rejects request params that kind does not allow to be
// overridden. Backend settings are always rejected.
func CheckRequestParams(cfg types.DetectorConfig, params map[string]any) error {
	allowed := requestParams[cfg.Kind]
	var backend, other []string
	for key := range params {
		switch {
		case slices.Contains(backendParams, key):
			backend = append(backend, key)
		case !slices.Contains(allowed, key):
			other = append(other, key)
		}
	}
	if len(backend) > 0 {
		sort.Strings(backend)
		return types.NewConfigurationError("detector %s: backend params cannot be set per request: %s",
			cfg.ID, strings.Join(backend, ", ")).WithDetector(cfg.ID)
	}
	if len(other) > 0 {
		sort.Strings(other)
		return types.NewConfigurationError("detector %s: params %s cannot be set per request (allowed: %s)",
			cfg.ID, strings.Join(other, ", "), strings.Join(allowed, ", ")).WithDetector(cfg.ID)
	}
	return nil
}
