// Command attendctl operates an attendcore data directory.
package main

import "github.com/qrclock/attendcore/internal/cli"

func main() {
	cli.Execute()
}
