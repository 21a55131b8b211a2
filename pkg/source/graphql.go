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

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/runlet/pkg/tool"
	"github.com/kadirpekel/runlet/pkg/typegen"
)

// introspectionQuery enumerates the schema with type references unwrapped
// five ofType levels deep, which covers every practical non-null/list
// wrapping.
const introspectionQuery = `query IntrospectionQuery {
  __schema {
    queryType { name }
    mutationType { name }
    types {
      kind
      name
      description
      fields(includeDeprecated: false) {
        name
        description
        args { name type { ...TypeRef } }
        type { ...TypeRef }
      }
      inputFields { name type { ...TypeRef } }
      enumValues(includeDeprecated: false) { name }
    }
  }
}
fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType {
          kind
          name
          ofType { kind name }
        }
      }
    }
  }
}`

const (
	gqlKindMain     = "main"
	gqlKindQuery    = "query"
	gqlKindMutation = "mutation"
)

// mainGraphQLArgs is the signature of the {source}.graphql executable tool.
const mainGraphQLArgs = "{ query: string; variables?: { [key: string]: unknown } }"

// prepareGraphQL introspects the endpoint and synthesizes one executable tool
// plus a discovery pseudo-tool per root field. Pseudo-tool documents are
// prebuilt here so the artifact is self-contained.
func (l *Loader) prepareGraphQL(ctx context.Context, cfg *tool.SourceConfig) (*Prepared, error) {
	gc := cfg.GraphQL

	schema, err := l.introspect(ctx, gc)
	if err != nil {
		return nil, fmt.Errorf("introspection failed: %w", err)
	}

	prep := &Prepared{
		Source:    cfg.Name,
		Type:      tool.SourceGraphQL,
		FetchedAt: time.Now(),
	}

	src := typegen.Sanitize(cfg.Name)
	prep.Tools = append(prep.Tools, PreparedTool{
		Path:        src + ".graphql",
		Description: "Execute a GraphQL document against " + gc.Endpoint,
		Approval:    tool.ApprovalAuto,
		ArgsType:    mainGraphQLArgs,
		ReturnsType: "{ [key: string]: unknown }",
		GraphQL:     &GraphQLInvoke{Kind: gqlKindMain},
	})

	addFields := func(kind string, mutation bool, def tool.ApprovalMode) {
		for _, field := range schema.RootFields(mutation) {
			args, returns := typegen.GraphQLFieldTypes(schema, field)
			prep.Tools = append(prep.Tools, PreparedTool{
				Path:        fmt.Sprintf("%s.%s.%s", src, kind, typegen.Sanitize(field.Name)),
				Description: opDescription("", field.Description),
				Approval:    approvalFor(cfg, field.Name, def),
				ArgsType:    args,
				ReturnsType: returns,
				Pseudo:      true,
				GraphQL: &GraphQLInvoke{
					Kind:     kind,
					Field:    field.Name,
					Document: buildDocument(kind, schema, field),
				},
			})
		}
	}
	addFields(gqlKindQuery, false, tool.ApprovalAuto)
	addFields(gqlKindMutation, true, tool.ApprovalRequired)

	return prep, nil
}

// buildGraphQL attaches execution closures. Pseudo-tools delegate to the
// main tool's closure, supplying their prebuilt document when the caller did
// not pass one.
func (l *Loader) buildGraphQL(prep *Prepared, gc *tool.GraphQLConfig) ([]tool.Descriptor, error) {
	mainRun := l.graphqlRun(gc)

	tools := make([]tool.Descriptor, 0, len(prep.Tools))
	for i := range prep.Tools {
		p := &prep.Tools[i]
		if p.GraphQL == nil {
			return nil, fmt.Errorf("prepared tool %s has no graphql recipe", p.Path)
		}
		run := mainRun
		if p.GraphQL.Kind != gqlKindMain {
			run = delegateRun(mainRun, p.GraphQL.Document)
		}
		tools = append(tools, p.descriptor(run))
	}
	return tools, nil
}

// delegateRun adapts a pseudo-tool call onto the main graphql tool: the
// field arguments become variables of the prebuilt document unless the
// caller supplied an explicit document.
func delegateRun(main tool.RunFunc, document string) tool.RunFunc {
	return func(ctx context.Context, input map[string]any, rc *tool.RunContext) (any, error) {
		if q, ok := input["query"].(string); ok && q != "" {
			return main(ctx, input, rc)
		}
		return main(ctx, map[string]any{
			"query":     document,
			"variables": input,
		}, rc)
	}
}

// graphqlRun posts {query, variables} to the endpoint and returns the parsed
// response body (data and errors alike) to the sandbox.
func (l *Loader) graphqlRun(gc *tool.GraphQLConfig) tool.RunFunc {
	return func(ctx context.Context, input map[string]any, rc *tool.RunContext) (any, error) {
		query, _ := input["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("query is required")
		}
		payload := map[string]any{"query": query}
		if vars, ok := input["variables"]; ok && vars != nil {
			payload["variables"] = vars
		}

		var creds map[string]string
		if rc != nil {
			creds = rc.Credentials
		}
		body, err := l.graphqlPost(ctx, gc, payload, creds)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return out, nil
	}
}

func (l *Loader) introspect(ctx context.Context, gc *tool.GraphQLConfig) (*typegen.GQLSchema, error) {
	body, err := l.graphqlPost(ctx, gc, map[string]any{"query": introspectionQuery}, nil)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data struct {
			Schema *typegen.GQLSchema `json:"__schema"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse introspection response: %w", err)
	}
	if envelope.Data.Schema == nil {
		if len(envelope.Errors) > 0 {
			return nil, fmt.Errorf("endpoint rejected introspection: %s", envelope.Errors[0].Message)
		}
		return nil, fmt.Errorf("introspection response has no schema")
	}
	return envelope.Data.Schema, nil
}

func (l *Loader) graphqlPost(ctx context.Context, gc *tool.GraphQLConfig, payload map[string]any, creds map[string]string) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gc.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range gc.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range creds {
		req.Header.Set(k, v)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &tool.HTTPError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Body:       truncate(string(body), httpErrorBodyLimit),
		}
	}
	return body, nil
}

// buildDocument renders a minimal executable document for one root field.
// Object-valued fields select __typename only; agents needing real
// selections pass an explicit document to the main tool.
func buildDocument(kind string, schema *typegen.GQLSchema, field typegen.GQLField) string {
	selection := field.Name
	if len(field.Args) > 0 {
		var varDefs, argList []string
		for _, arg := range field.Args {
			varDefs = append(varDefs, fmt.Sprintf("$%s: %s", arg.Name, gqlTypeName(&arg.Type)))
			argList = append(argList, fmt.Sprintf("%s: $%s", arg.Name, arg.Name))
		}
		selection = fmt.Sprintf("%s(%s)", field.Name, strings.Join(argList, ", "))
		return fmt.Sprintf("%s(%s) { %s%s }", kind, strings.Join(varDefs, ", "), selection, subSelection(schema, &field.Type))
	}
	return fmt.Sprintf("%s { %s%s }", kind, selection, subSelection(schema, &field.Type))
}

// subSelection returns " { __typename }" for composite return types and ""
// for scalars and enums.
func subSelection(schema *typegen.GQLSchema, ref *typegen.GQLTypeRef) string {
	for ref != nil && (ref.Kind == "NON_NULL" || ref.Kind == "LIST") {
		ref = ref.OfType
	}
	if ref == nil {
		return ""
	}
	switch ref.Kind {
	case "OBJECT", "INTERFACE", "UNION":
		return " { __typename }"
	}
	return ""
}

// gqlTypeName renders a type reference back into GraphQL syntax for variable
// definitions.
func gqlTypeName(ref *typegen.GQLTypeRef) string {
	if ref == nil {
		return "String"
	}
	switch ref.Kind {
	case "NON_NULL":
		return gqlTypeName(ref.OfType) + "!"
	case "LIST":
		return "[" + gqlTypeName(ref.OfType) + "]"
	}
	if ref.Name == "" {
		return "String"
	}
	return ref.Name
}
