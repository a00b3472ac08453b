// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package polyfs

import (
	"errors"
	"fmt"
)

// CorruptError reports that the image violates the polyfs format. Anything
// else returned by this package is an operational failure (I/O, host
// filesystem calls) rather than a verdict about the image.
type CorruptError struct {
	Reason string
}

func (e *CorruptError) Error() string {
	return e.Reason
}

func corruptf(format string, args ...any) error {
	return &CorruptError{Reason: fmt.Sprintf(format, args...)}
}

// IsCorrupt reports whether err means the image failed validation.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
