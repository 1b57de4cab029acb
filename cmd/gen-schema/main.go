// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema generates the config and role import JSON Schema files.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/holomush/membergate/internal/config"
	"github.com/holomush/membergate/internal/rolefile"
)

func main() {
	schemas := []struct {
		file     string
		generate func() ([]byte, error)
	}{
		{"config.schema.json", config.GenerateSchema},
		{"roles.schema.json", rolefile.GenerateSchema},
	}

	if err := os.MkdirAll("schemas", 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, s := range schemas {
		schema, err := s.generate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating %s: %v\n", s.file, err)
			os.Exit(1)
		}

		outPath := filepath.Join("schemas", s.file)
		if err := os.WriteFile(outPath, schema, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", outPath)
	}
}
