// Package defaults provides the embedded example configuration written
// by the apiloop init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a complete, commented configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte
