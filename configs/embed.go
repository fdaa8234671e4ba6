package configs

import _ "embed"

// DefaultConfig is the pagecast.yaml written by "pagecast init".
//
//go:embed pagecast.yaml
var DefaultConfig []byte
