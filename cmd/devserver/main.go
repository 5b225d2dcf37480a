// Command devserver serves a directory over HTTP and optionally reruns a
// build command when sources change.
package main

import (
	"log"
	"os"

	"example.com/devserver/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
