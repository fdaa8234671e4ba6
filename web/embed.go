package web

import "embed"

// Assets holds the browser viewer.
//
//go:embed viewer
var Assets embed.FS
