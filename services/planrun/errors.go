// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planrun

import "errors"

// Sentinel errors for the plan run service.
var (
	// ErrRunNotFound indicates no run exists with the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive indicates the run already reached a terminal state.
	ErrRunNotActive = errors.New("run not active")

	// ErrRunActive indicates the run is still executing and cannot be
	// resumed or replaced.
	ErrRunActive = errors.New("run still active")

	// ErrPlanInvalid indicates the submitted plan document failed to
	// load or validate.
	ErrPlanInvalid = errors.New("plan invalid")

	// ErrServiceClosed indicates the service is shutting down.
	ErrServiceClosed = errors.New("service closed")
)
