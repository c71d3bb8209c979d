// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"
)

type Credentials struct {
	Tokens []string
}

// CredentialsFromRequest returns the credentials the client supplied
// with the request: an Authorization: Bearer header, or an api_token
// query parameter for clients (like websockets) that cannot set
// headers.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := &Credentials{}
	if hdr := r.Header.Get("Authorization"); strings.HasPrefix(hdr, "Bearer ") {
		c.Tokens = append(c.Tokens, strings.TrimPrefix(hdr, "Bearer "))
	}
	if tok := r.URL.Query().Get("api_token"); tok != "" {
		c.Tokens = append(c.Tokens, tok)
	}
	return c
}
