// Command schemasync keeps aggregates.yaml in step with the quantity
// registry in internal/domain. Run without flags to check for drift
// (non-zero exit when the file is stale, suitable for CI); run with
// -write to regenerate the file from the registry.
//
// Usage:
//
//	go run ./cmd/schemasync -file aggregates.yaml
//	go run ./cmd/schemasync -file aggregates.yaml -write
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/urbansense/sensornet/internal/schemasync"
)

func main() {
	file := flag.String("file", "aggregates.yaml", "path to the aggregate definitions file")
	write := flag.Bool("write", false, "regenerate the file instead of checking it")
	flag.Parse()

	if *write {
		if err := schemasync.Save(*file, schemasync.Generate()); err != nil {
			fmt.Fprintf(os.Stderr, "schemasync: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *file)
		return
	}

	diff, err := schemasync.Check(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schemasync: %v\n", err)
		os.Exit(1)
	}
	if diff != "" {
		fmt.Fprintf(os.Stderr, "%s is stale, run schemasync -write:\n%s", *file, diff)
		os.Exit(1)
	}
	fmt.Printf("%s is current\n", *file)
}
