// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command inferplan runs compiled concept/inference plans.
//
// Usage:
//
//	# Start the run control HTTP service
//	inferplan serve --port 8080 --db ~/.inferplan/checkpoints
//
//	# Execute one plan to completion and print the results
//	inferplan run plan.json --target final_report
//
//	# Resume an interrupted run from its latest checkpoint
//	inferplan run plan.json --resume 1f6c... --db ~/.inferplan/checkpoints
//
// The semantic oracle reads OPENAI_API_KEY from the environment, with
// a /run/secrets/openai_api_key fallback for container deployments.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
