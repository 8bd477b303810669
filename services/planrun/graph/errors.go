// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStructural is the sentinel matched by every StructuralError.
var ErrStructural = errors.New("structural error")

// StructuralError reports a malformed or inconsistent plan. It is
// fatal at load time and never retried.
type StructuralError struct {
	// Reason is a short description of the violation.
	Reason string

	// IDs names the offending concept/inference ids.
	IDs []string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("structural error: %s", e.Reason)
	}
	return fmt.Sprintf("structural error: %s (%s)", e.Reason, strings.Join(e.IDs, ", "))
}

// Unwrap lets errors.Is(err, ErrStructural) match.
func (e *StructuralError) Unwrap() error {
	return ErrStructural
}

// structuralf builds a StructuralError naming the offending ids.
func structuralf(ids []string, format string, args ...any) error {
	return &StructuralError{Reason: fmt.Sprintf(format, args...), IDs: ids}
}
