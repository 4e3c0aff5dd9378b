// Package openapi embeds the HTTP API description for runtime distribution.
package openapi

import (
	_ "embed"
	"net/http"
)

// APISpec is the OpenAPI document of the installcore HTTP API.
//
//go:embed installcore.yaml
var APISpec []byte

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), APISpec...)
}

// Handler serves the embedded document as application/yaml.
func Handler() http.Handler {
	spec := Spec()
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(spec)
	})
}
