// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

const tracerName = "github.com/AleutianAI/decompose/services/engine/search"

// parseGraphQLResponse converts Weaviate's dynamic GraphQL response into a
// strongly typed struct via a marshal/unmarshal round trip. The target type
// must have json tags matching the response shape; type mismatches yield
// zero values, not errors.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshaling GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling into target type: %w", err)
	}
	return &result, nil
}
