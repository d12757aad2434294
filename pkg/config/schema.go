// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "github.com/invopop/jsonschema"

// Schema returns the JSON Schema of the config file.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		// Every section is optional; defaults fill the gaps.
		RequiredFromJSONSchemaTags: true,
	}

	schema := reflector.Reflect(&Config{})
	schema.ID = "https://flowline.dev/schemas/config.json"
	schema.Title = "Flowline Configuration Schema"
	schema.Description = "Configuration for the flowline workflow server"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []any{
		map[string]any{
			"server":  map[string]any{"port": 8080},
			"storage": map[string]any{"backend": "sql", "database": "main"},
			"databases": map[string]any{
				"main": map[string]any{"driver": "sqlite", "database": "./flowline.db"},
			},
			"network": map[string]any{
				"router": "rules",
				"openai": map[string]any{"api_key": "${OPENAI_API_KEY}"},
			},
		},
	}
	return schema
}
