// Leaseq consumes a Cloud Tasks pull queue, handing leased tasks to a
// webhook worker while keeping their leases alive.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/leaseq.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	drain := flag.Bool("drain", false, "delete every task in the queue and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("leaseq", version)
		os.Exit(0)
	}

	if err := run(*configPath, *drain); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
