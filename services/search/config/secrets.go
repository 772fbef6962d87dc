// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// Well-known secret keys. Components ask for these by name; the backend
// decides where the value actually lives.
const (
	// SecretNCBIAPIKey raises the PubMed rate ceiling when present.
	SecretNCBIAPIKey = "NCBI_API_KEY"

	// SecretLLMAPIKey authenticates the normalizer's translation hop.
	SecretLLMAPIKey = "SUPLO_LLM_API_KEY"

	// SecretInfluxToken authenticates the analytics sink.
	SecretInfluxToken = "SUPLO_INFLUX_TOKEN"
)

// ErrSecretNotFound indicates the secret is not configured. Callers that can
// operate without the secret (keyless PubMed access, disabled analytics)
// check for this with errors.Is and degrade.
var ErrSecretNotFound = errors.New("secret not found")

// SecretBackend retrieves secrets by key.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SecretBackend interface {
	// GetSecret retrieves a secret by key.
	//
	// Outputs:
	//   - string: The secret value.
	//   - error: Non-nil if unavailable (including ErrSecretNotFound).
	GetSecret(ctx context.Context, key string) (string, error)
}

// =============================================================================
// EnvBackend
// =============================================================================

// EnvBackend reads secrets from environment variables with TTL-based caching.
//
// Description:
//
//	Reads from os.Getenv and caches for the configured TTL, avoiding
//	repeated syscalls while still picking up rotation after expiry.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type EnvBackend struct {
	mu    sync.RWMutex
	cache map[string]cachedSecret
	ttl   time.Duration
}

type cachedSecret struct {
	value     string
	fetchedAt int64 // Unix milliseconds UTC
}

// NewEnvBackend creates a backend reading from environment variables.
//
// Inputs:
//   - ttl: How long to cache values. Use 0 to re-read every time.
func NewEnvBackend(ttl time.Duration) *EnvBackend {
	return &EnvBackend{
		cache: make(map[string]cachedSecret),
		ttl:   ttl,
	}
}

// GetSecret retrieves a secret from the environment, using the cache if
// fresh. Absence is cached too, so a missing optional key does not cost a
// syscall per request.
func (e *EnvBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", key, ctx.Err())
	}

	now := time.Now().UnixMilli()

	if e.ttl > 0 {
		e.mu.RLock()
		if cached, ok := e.cache[key]; ok {
			age := time.Duration(now-cached.fetchedAt) * time.Millisecond
			if age < e.ttl {
				e.mu.RUnlock()
				if cached.value == "" {
					return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
				}
				return cached.value, nil
			}
		}
		e.mu.RUnlock()
	}

	value := os.Getenv(key)

	if e.ttl > 0 {
		e.mu.Lock()
		e.cache[key] = cachedSecret{value: value, fetchedAt: now}
		e.mu.Unlock()
	}

	if value == "" {
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}
	return value, nil
}

// =============================================================================
// EnclaveBackend
// =============================================================================

// EnclaveBackend holds secrets in memguard enclaves: encrypted at rest in
// process memory, wiped from the working set outside the brief window a
// caller holds the plaintext.
//
// Description:
//
//	Values are read from the environment exactly once, sealed, and the
//	environment variable is cleared so the plaintext stops appearing in
//	/proc/self/environ and child processes. Long-lived daemons use this
//	backend; short-lived CLI invocations use EnvBackend.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type EnclaveBackend struct {
	mu       sync.Mutex
	enclaves map[string]*memguard.Enclave
	missing  map[string]bool
}

// NewEnclaveBackend seals the given environment keys into enclaves and
// scrubs them from the environment. Keys that are unset are remembered as
// missing rather than failing construction; optional secrets stay optional.
func NewEnclaveBackend(keys ...string) *EnclaveBackend {
	b := &EnclaveBackend{
		enclaves: make(map[string]*memguard.Enclave, len(keys)),
		missing:  make(map[string]bool),
	}
	for _, key := range keys {
		value := os.Getenv(key)
		if value == "" {
			b.missing[key] = true
			continue
		}
		b.enclaves[key] = memguard.NewEnclave([]byte(value))
		os.Unsetenv(key)
	}
	return b
}

// GetSecret opens the enclave for key and returns a copy of the plaintext.
//
// The caller receives an ordinary string because downstream HTTP clients
// need one; the enclave still protects the canonical copy between calls.
func (b *EnclaveBackend) GetSecret(ctx context.Context, key string) (string, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("retrieving secret %q: %w", key, ctx.Err())
	}

	b.mu.Lock()
	enclave, ok := b.enclaves[key]
	b.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("secret %q: opening enclave: %w", key, err)
	}
	defer buf.Destroy()

	return buf.String(), nil
}
