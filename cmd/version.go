// File: cmd/version.go
package cmd

import "github.com/hexforge/promptbridge/internal/service"

// Version is the application version.
// This value is intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/hexforge/promptbridge/cmd.Version=1.0.0"
var Version = "1.0"

func init() {
	// The registration handshake advertises the same version the CLI reports.
	service.Version = Version
}
