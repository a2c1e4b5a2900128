// anima is the CLI for managing the Anima project supervisor.
package main

import (
	"os"

	"github.com/saltbo/anima/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
