// voxdub is the video dubbing pipeline orchestration service.
package main

import (
	"os"

	"github.com/voxdub/voxdub/cmd/voxdub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
