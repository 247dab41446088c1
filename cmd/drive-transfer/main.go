// drive-transfer - encrypted chunked file transfer client
package main

import (
	"os"

	"github.com/ProtonDriveApps/sdk-sub001/cli"
)

// Version information, overridden via LDFLAGS on release builds.
var Version = "v0.3.0-dev"

func main() {
	cli.Version = Version
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
