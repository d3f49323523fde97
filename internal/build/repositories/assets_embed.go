package repositories

import _ "embed"

//go:embed assets/definition.yaml
var embeddedDefinition []byte
