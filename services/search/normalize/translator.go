// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package normalize

import "context"

// Translator is the LLM hop of the pipeline: given a query no table
// recognized, produce the English supplement name it most likely means.
//
// # Description
//
// Implementations live in services/llm and wrap an OpenAI-compatible or
// Ollama endpoint. The pipeline imposes its own deadline on ctx and treats
// any error, timeout, or unusable output as a miss, falling through to
// passthrough; a Translator can therefore fail freely without affecting
// request success.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Translator interface {
	// Translate returns the canonical-style English name for query.
	//
	// Outputs:
	//   - string: The suggested name. Must be non-empty on success.
	//   - error: Non-nil on timeout, transport failure, or unusable reply.
	Translate(ctx context.Context, query string) (string, error)
}
