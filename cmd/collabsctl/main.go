// collabsctl is a small CLI for exercising the collabs runtime without
// writing Go: it scripts a handful of in-memory replicas through a
// shared CRDT document and prints what each one converges to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "collabsctl",
		Short: "Inspect and exercise collabs CRDT documents",
	}
	root.AddCommand(demoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
