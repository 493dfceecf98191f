// Package profiles provides embedded default enrollment profiles.
//
// They serve CAs configured without a profilesDir and double as
// templates to copy and customize.
package profiles

import "embed"

// FS contains the embedded profile YAML files.
//
//go:embed *.yaml
var FS embed.FS
