// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides the error types shared by the blimpeval packages.
//
// This package has no dependencies on other internal packages and depends
// only on the Go standard library, making it a leaf package in the
// dependency graph.
//
// # Overview
//
//   - Configuration Errors: [ConfigurationError] for inputs that prevent a run
//     from starting (unknown task group, worker index out of range, unknown
//     model architecture, invalid options)
//   - Command Errors: [CommandError] for bridge subprocess failures with stderr
//     context
//
// # Thread Safety
//
// All types in this package are immutable after creation and safe for
// concurrent reads.
//
// # Example
//
//	if util.IsConfigurationError(err) {
//	    logger.Error("invalid invocation", "error", err)
//	}
package util
