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
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/runlet/pkg/tool"
	"github.com/kadirpekel/runlet/pkg/typegen"
)

// httpErrorBodyLimit caps how much of an upstream error body is carried into
// the error surfaced to the sandbox.
const httpErrorBodyLimit = 500

var readMethods = map[string]bool{"GET": true, "HEAD": true, "OPTIONS": true}

var pathParamRe = regexp.MustCompile(`\{([^}]+)\}`)

// prepareOpenAPI fetches and parses an OpenAPI document and synthesizes one
// PreparedTool per operation. Full generation runs against a resolved
// OpenAPI 3 document; Swagger 2 documents are converted and typed with the
// hint generator only, and a document that fails full resolution degrades to
// a raw walk when the parse-only fallback is enabled.
func (l *Loader) prepareOpenAPI(ctx context.Context, cfg *tool.SourceConfig) (*Prepared, error) {
	oc := cfg.OpenAPI

	var data []byte
	if oc.SpecInline != "" {
		data = []byte(oc.SpecInline)
	} else {
		fetched, err := l.fetch(ctx, oc.SpecURL, oc.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch spec: %w", err)
		}
		data = fetched
	}

	prep := &Prepared{
		Source:    cfg.Name,
		Type:      tool.SourceOpenAPI,
		FetchedAt: time.Now(),
	}

	var probe struct {
		Swagger string `yaml:"swagger" json:"swagger"`
		OpenAPI string `yaml:"openapi" json:"openapi"`
	}
	_ = yaml.Unmarshal(data, &probe)

	var entries []opEntry
	var schemas map[string]string

	switch {
	case strings.HasPrefix(probe.Swagger, "2"):
		doc, err := convertSwagger2(data)
		if err != nil {
			return nil, fmt.Errorf("failed to convert swagger 2 document: %w", err)
		}
		entries = walkDoc(doc, nil)
		prep.Warnings = append(prep.Warnings,
			fmt.Sprintf("source %q: swagger 2 document converted; generated types are hints", cfg.Name))
	default:
		loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
		doc, err := loader.LoadFromData(data)
		if err == nil {
			err = doc.Validate(ctx)
		}
		if err != nil {
			if !l.parseOnlyFallback {
				return nil, fmt.Errorf("failed to resolve spec: %w", err)
			}
			loadErr := err
			entries, err = walkRaw(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse spec: %w", err)
			}
			prep.Warnings = append(prep.Warnings,
				fmt.Sprintf("source %q: spec loaded in parse-only mode: %v", cfg.Name, loadErr))
		} else {
			ops, aliases := typegen.GenerateOpenAPI(doc)
			entries = walkDoc(doc, ops)
			schemas = aliases
		}
	}

	base, err := resolveBaseURL(oc, entries)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		path := fmt.Sprintf("%s.%s.%s",
			typegen.Sanitize(cfg.Name), typegen.Sanitize(e.tag), typegen.Sanitize(e.opID))
		if seen[path] {
			prep.Warnings = append(prep.Warnings,
				fmt.Sprintf("source %q: duplicate tool path %s skipped", cfg.Name, path))
			continue
		}
		seen[path] = true

		def := tool.ApprovalRequired
		if readMethods[e.method] {
			def = tool.ApprovalAuto
		}

		prep.Tools = append(prep.Tools, PreparedTool{
			Path:        path,
			Description: e.desc,
			Approval:    approvalFor(cfg, e.opID, def),
			ArgsType:    e.args,
			ReturnsType: e.returns,
			OperationID: e.opID,
			HTTP: &HTTPInvoke{
				Method:      e.method,
				URL:         joinURL(base, e.urlPath),
				PathParams:  pathParamNames(e.urlPath),
				QueryParams: e.queryParams,
			},
		})
	}
	prep.Schemas = schemas
	return prep, nil
}

// buildOpenAPI attaches HTTP invocation closures. The schema alias map rides
// on the first descriptor only; the typechecker merges maps across tools.
func (l *Loader) buildOpenAPI(prep *Prepared, oc *tool.OpenAPIConfig) ([]tool.Descriptor, error) {
	tools := make([]tool.Descriptor, 0, len(prep.Tools))
	for i := range prep.Tools {
		p := &prep.Tools[i]
		if p.HTTP == nil {
			return nil, fmt.Errorf("prepared tool %s has no http recipe", p.Path)
		}
		d := p.descriptor(l.httpRun(oc, p.HTTP))
		if i == 0 && len(prep.Schemas) > 0 {
			d.SchemaTypes = prep.Schemas
		}
		tools = append(tools, d)
	}
	return tools, nil
}

// httpRun builds the invocation closure for one operation. Path params are
// substituted URL-escaped, declared query params go to the query string, and
// for non-read methods any residual input keys become the JSON body.
func (l *Loader) httpRun(oc *tool.OpenAPIConfig, inv *HTTPInvoke) tool.RunFunc {
	return func(ctx context.Context, input map[string]any, rc *tool.RunContext) (any, error) {
		urlStr := inv.URL
		used := make(map[string]bool)
		for _, name := range inv.PathParams {
			v, ok := input[name]
			if !ok {
				return nil, fmt.Errorf("missing path parameter %q", name)
			}
			urlStr = strings.ReplaceAll(urlStr, "{"+name+"}", url.PathEscape(fmt.Sprint(v)))
			used[name] = true
		}

		query := url.Values{}
		for _, name := range inv.QueryParams {
			if v, ok := input[name]; ok {
				query.Set(name, fmt.Sprint(v))
				used[name] = true
			}
		}
		if len(query) > 0 {
			sep := "?"
			if strings.Contains(urlStr, "?") {
				sep = "&"
			}
			urlStr += sep + query.Encode()
		}

		var body io.Reader
		hasBody := false
		if !readMethods[inv.Method] {
			residual := make(map[string]any)
			for k, v := range input {
				if !used[k] {
					residual[k] = v
				}
			}
			if len(residual) > 0 {
				encoded, err := json.Marshal(residual)
				if err != nil {
					return nil, fmt.Errorf("failed to encode request body: %w", err)
				}
				body = bytes.NewReader(encoded)
				hasBody = true
			}
		}

		req, err := http.NewRequestWithContext(ctx, inv.Method, urlStr, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if hasBody {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range oc.Headers {
			req.Header.Set(k, v)
		}
		if rc != nil {
			// Per-call credentials win over static source headers.
			for k, v := range rc.Credentials {
				req.Header.Set(k, v)
			}
		}

		resp, err := l.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &tool.HTTPError{
				Status:     resp.StatusCode,
				StatusText: http.StatusText(resp.StatusCode),
				Body:       truncate(string(payload), httpErrorBodyLimit),
			}
		}

		if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(payload) > 0 {
			var out any
			if err := json.Unmarshal(payload, &out); err == nil {
				return out, nil
			}
		}
		return string(payload), nil
	}
}

// opEntry is the normalized operation record both walkers produce.
type opEntry struct {
	method      string
	urlPath     string
	opID        string
	tag         string
	desc        string
	args        string
	returns     string
	queryParams []string
	servers     []string
}

// walkDoc walks a resolved document in deterministic order. When ops is
// non-nil the full generator's types are used; otherwise hint types are
// derived from each operation's raw schemas.
func walkDoc(doc *openapi3.T, ops map[string]typegen.OpTypes) []opEntry {
	var servers []string
	for _, s := range doc.Servers {
		servers = append(servers, s.URL)
	}

	var paths []string
	if doc.Paths != nil {
		for p := range doc.Paths.Map() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var entries []opEntry
	for _, p := range paths {
		item := doc.Paths.Value(p)
		if item == nil {
			continue
		}
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"} {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			e := opEntry{
				method:  method,
				urlPath: p,
				opID:    op.OperationID,
				tag:     "default",
				desc:    opDescription(op.Summary, op.Description),
				servers: servers,
			}
			if e.opID == "" {
				e.opID = method + "_" + p
			}
			if len(op.Tags) > 0 {
				e.tag = op.Tags[0]
			}

			params := append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...)
			for _, ref := range params {
				if ref.Value != nil && ref.Value.In == "query" {
					e.queryParams = append(e.queryParams, ref.Value.Name)
				}
			}

			if ops != nil {
				t := ops[typegen.OpKey(method, p)]
				e.args, e.returns = t.Args, t.Returns
			} else {
				e.args, e.returns = hintTypes(op, params)
			}
			entries = append(entries, e)
		}
	}
	return entries
}

// hintTypes derives fallback types from an operation's raw schemas. Schema
// refs that were never resolved contribute "unknown".
func hintTypes(op *openapi3.Operation, params openapi3.Parameters) (string, string) {
	var raw []typegen.RawParam
	for _, ref := range params {
		p := ref.Value
		if p == nil || (p.In != "query" && p.In != "path" && p.In != "header") {
			continue
		}
		raw = append(raw, typegen.RawParam{
			Name:     p.Name,
			Required: p.Required || p.In == "path",
			Schema:   rawSchema(p.Schema),
		})
	}

	var body map[string]any
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if mt, ok := op.RequestBody.Value.Content["application/json"]; ok {
			body = rawSchema(mt.Schema)
		}
	}
	args := typegen.MergeRawBody(body, raw)

	returns := "unknown"
	if op.Responses != nil {
		if schema := successSchema(op.Responses); schema != nil {
			returns = typegen.FromRawSchema(schema)
		}
	}
	return args, returns
}

func successSchema(responses *openapi3.Responses) map[string]any {
	var codes []string
	for code := range responses.Map() {
		if strings.HasPrefix(code, "2") {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	for _, code := range codes {
		ref := responses.Value(code)
		if ref == nil || ref.Value == nil {
			continue
		}
		for _, ct := range sortedContentTypes(ref.Value.Content) {
			if strings.Contains(ct, "json") {
				return rawSchema(ref.Value.Content[ct].Schema)
			}
		}
	}
	return nil
}

func sortedContentTypes(content openapi3.Content) []string {
	cts := make([]string, 0, len(content))
	for ct := range content {
		cts = append(cts, ct)
	}
	sort.Strings(cts)
	// application/json sorts early anyway; make it explicit.
	sort.SliceStable(cts, func(i, j int) bool {
		return cts[i] == "application/json" && cts[j] != "application/json"
	})
	return cts
}

func rawSchema(ref *openapi3.SchemaRef) map[string]any {
	if ref == nil || ref.Value == nil {
		return nil
	}
	data, err := ref.Value.MarshalJSON()
	if err != nil {
		return nil
	}
	return typegen.RawSchemaFromJSON(data)
}

// walkRaw walks an unresolved document generically. Used in parse-only mode
// where kin-openapi could not fully load the spec.
func walkRaw(data []byte) ([]opEntry, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	pathsAny, ok := m["paths"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document has no paths object")
	}

	var servers []string
	if list, ok := m["servers"].([]any); ok {
		for _, s := range list {
			if sm, ok := s.(map[string]any); ok {
				if u, ok := sm["url"].(string); ok {
					servers = append(servers, u)
				}
			}
		}
	}

	var paths []string
	for p := range pathsAny {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var entries []opEntry
	for _, p := range paths {
		item, ok := pathsAny[p].(map[string]any)
		if !ok {
			continue
		}
		itemParams, _ := item["parameters"].([]any)
		for _, method := range []string{"get", "post", "put", "delete", "patch", "head", "options"} {
			op, ok := item[method].(map[string]any)
			if !ok {
				continue
			}
			e := opEntry{
				method:  strings.ToUpper(method),
				urlPath: p,
				tag:     "default",
				servers: servers,
			}
			if id, ok := op["operationId"].(string); ok && id != "" {
				e.opID = id
			} else {
				e.opID = e.method + "_" + p
			}
			if tags, ok := op["tags"].([]any); ok && len(tags) > 0 {
				if t, ok := tags[0].(string); ok {
					e.tag = t
				}
			}
			summary, _ := op["summary"].(string)
			description, _ := op["description"].(string)
			e.desc = opDescription(summary, description)

			opParams, _ := op["parameters"].([]any)
			var raw []typegen.RawParam
			for _, pa := range append(append([]any{}, itemParams...), opParams...) {
				pm, ok := pa.(map[string]any)
				if !ok {
					continue
				}
				name, _ := pm["name"].(string)
				in, _ := pm["in"].(string)
				required, _ := pm["required"].(bool)
				schema, _ := pm["schema"].(map[string]any)
				switch in {
				case "query":
					e.queryParams = append(e.queryParams, name)
					raw = append(raw, typegen.RawParam{Name: name, Required: required, Schema: schema})
				case "path", "header":
					raw = append(raw, typegen.RawParam{Name: name, Required: true, Schema: schema})
				}
			}

			var body map[string]any
			if rb, ok := op["requestBody"].(map[string]any); ok {
				body = rawContentSchema(rb)
			}
			e.args = typegen.MergeRawBody(body, raw)

			e.returns = "unknown"
			if responses, ok := op["responses"].(map[string]any); ok {
				var codes []string
				for code := range responses {
					if strings.HasPrefix(code, "2") {
						codes = append(codes, code)
					}
				}
				sort.Strings(codes)
				for _, code := range codes {
					if resp, ok := responses[code].(map[string]any); ok {
						if schema := rawContentSchema(resp); schema != nil {
							e.returns = typegen.FromRawSchema(schema)
							break
						}
					}
				}
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func rawContentSchema(holder map[string]any) map[string]any {
	content, ok := holder["content"].(map[string]any)
	if !ok {
		return nil
	}
	var cts []string
	for ct := range content {
		cts = append(cts, ct)
	}
	sort.Strings(cts)
	for _, ct := range cts {
		if !strings.Contains(ct, "json") {
			continue
		}
		if mt, ok := content[ct].(map[string]any); ok {
			if schema, ok := mt["schema"].(map[string]any); ok {
				return schema
			}
		}
	}
	return nil
}

// convertSwagger2 decodes a Swagger 2 document (JSON or YAML) and converts it
// to OpenAPI 3.
func convertSwagger2(data []byte) (*openapi3.T, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	var doc2 openapi2.T
	if err := json.Unmarshal(jsonData, &doc2); err != nil {
		return nil, err
	}
	return openapi2conv.ToV3(&doc2)
}

// resolveBaseURL picks the invocation base: explicit config override, then
// the document's first server, then the spec URL's origin.
func resolveBaseURL(oc *tool.OpenAPIConfig, entries []opEntry) (string, error) {
	if oc.BaseURL != "" {
		return strings.TrimRight(oc.BaseURL, "/"), nil
	}
	var server string
	if len(entries) > 0 && len(entries[0].servers) > 0 {
		server = entries[0].servers[0]
	}
	if server != "" {
		if strings.HasPrefix(server, "http://") || strings.HasPrefix(server, "https://") {
			return strings.TrimRight(server, "/"), nil
		}
		// Relative server URL; resolve against the spec origin.
		if oc.SpecURL != "" {
			if u, err := url.Parse(oc.SpecURL); err == nil {
				return u.Scheme + "://" + u.Host + "/" + strings.Trim(server, "/"), nil
			}
		}
	}
	if oc.SpecURL != "" {
		u, err := url.Parse(oc.SpecURL)
		if err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host, nil
		}
	}
	return "", fmt.Errorf("no base url: set base_url or a server entry in the spec")
}

func joinURL(base, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func pathParamNames(path string) []string {
	var names []string
	for _, m := range pathParamRe.FindAllStringSubmatch(path, -1) {
		names = append(names, m[1])
	}
	return names
}

func opDescription(summary, description string) string {
	if summary != "" {
		return summary
	}
	if i := strings.IndexByte(description, '\n'); i >= 0 {
		return description[:i]
	}
	return description
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
