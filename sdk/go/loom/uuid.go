// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"fmt"
	"regexp"

	"github.com/jmcvetta/randutil"
)

// UUIDs look like {clusterID}-{infix}-{15 random chars}, where the
// infix identifies the record type.
const (
	JobUUIDInfix      = "q2j7d"
	ExecutorUUIDInfix = "e4x9k"
)

const uuidCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

var uuidPattern = regexp.MustCompile(`^[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15}$`)

// NewUUID returns a new random UUID for the given cluster and record
// type infix.
func NewUUID(clusterID, infix string) string {
	rd, err := randutil.String(15, uuidCharset)
	if err != nil {
		// randutil.String only fails on an empty charset
		panic(err)
	}
	return clusterID + "-" + infix + "-" + rd
}

// UUIDInfix returns the record type infix of the given UUID, or "" if
// the UUID is malformed.
func UUIDInfix(uuid string) string {
	if !uuidPattern.MatchString(uuid) {
		return ""
	}
	return uuid[6:11]
}

// ValidateUUID returns an error unless uuid is well formed and carries
// the given infix.
func ValidateUUID(uuid, infix string) error {
	if UUIDInfix(uuid) != infix {
		return fmt.Errorf("malformed uuid %q", uuid)
	}
	return nil
}
