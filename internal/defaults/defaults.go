// Package defaults provides embedded copies of the default configuration
// and rules document for the mentor init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed rules.example.txt
var RulesTXT []byte
