// espgate is a plugin-driven reverse-proxy gateway.
//
// Usage:
//
//	# Start the gateway
//	espgate serve --config config.yaml
//
//	# Check a plugin directory without serving
//	espgate plugins validate --dir ./plugins
//
//	# Bundle a plugin archive
//	espgate plugins pack --manifest plugin.yaml --service-config service-config.yml --out echo.zip
//
//	# Show version information
//	espgate version
package main

import (
	"fmt"
	"os"

	// compiled-in service variants
	_ "github.com/blueberrycongee/espgate/plugins/openai"
	_ "github.com/blueberrycongee/espgate/plugins/passthrough"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
