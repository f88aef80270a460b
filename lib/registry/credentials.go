// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"net/http"
	"strings"
)

// Header names carried by the WebSocket upgrade request.
const (
	HeaderHostID       = "X-Bureau-Host-Id"
	HeaderHostname     = "X-Bureau-Hostname"
	HeaderCapabilities = "X-Bureau-Capabilities"
)

// CapabilityRunAgents marks a runner as a placement target.
const CapabilityRunAgents = "run-agents"

// Credentials are what a connecting client declares about itself.
type Credentials struct {
	AccessKey    string
	HostID       string
	Hostname     string
	Capabilities []string
}

// Has reports whether capability was declared.
func (c Credentials) Has(capability string) bool {
	for _, declared := range c.Capabilities {
		if declared == capability {
			return true
		}
	}
	return false
}

// Header renders the credentials as upgrade request headers.
func (c Credentials) Header() http.Header {
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+c.AccessKey)
	header.Set(HeaderHostID, c.HostID)
	if c.Hostname != "" {
		header.Set(HeaderHostname, c.Hostname)
	}
	if len(c.Capabilities) > 0 {
		header.Set(HeaderCapabilities, strings.Join(c.Capabilities, ","))
	}
	return header
}

// CredentialsFromRequest reads credentials from an upgrade request.
// Missing values are left empty for Authenticate to reject.
func CredentialsFromRequest(r *http.Request) Credentials {
	credentials := Credentials{
		HostID:   strings.TrimSpace(r.Header.Get(HeaderHostID)),
		Hostname: strings.TrimSpace(r.Header.Get(HeaderHostname)),
	}
	if authorization := r.Header.Get("Authorization"); strings.HasPrefix(authorization, "Bearer ") {
		credentials.AccessKey = strings.TrimPrefix(authorization, "Bearer ")
	}
	for _, capability := range strings.Split(r.Header.Get(HeaderCapabilities), ",") {
		if capability = strings.TrimSpace(capability); capability != "" {
			credentials.Capabilities = append(credentials.Capabilities, capability)
		}
	}
	return credentials
}
