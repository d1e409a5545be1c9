// procwatch watches AI command-line tool processes from start to exit.
package main

import "github.com/ppiankov/procwatch/internal/cli"

func main() {
	cli.Execute()
}
