// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package test

import "fmt"

// JobUUID returns a fake query job UUID.
func JobUUID(i int) string {
	return fmt.Sprintf("zzzzz-q2j7d-%015d", i)
}

// ExecutorUUID returns a fake executor UUID.
func ExecutorUUID(i int) string {
	return fmt.Sprintf("zzzzz-e4x9k-%015d", i)
}
