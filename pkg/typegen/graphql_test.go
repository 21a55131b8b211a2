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

package typegen

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func testGQLSchema() *GQLSchema {
	return &GQLSchema{
		QueryType:    &GQLTypeRef{Kind: "OBJECT", Name: "Query"},
		MutationType: &GQLTypeRef{Kind: "OBJECT", Name: "Mutation"},
		Types: []GQLType{
			{
				Kind: "OBJECT",
				Name: "Query",
				Fields: []GQLField{
					{
						Name: "user",
						Args: []GQLInputValue{
							{Name: "id", Type: GQLTypeRef{Kind: "NON_NULL", OfType: &GQLTypeRef{Kind: "SCALAR", Name: "ID"}}},
						},
						Type: GQLTypeRef{Kind: "OBJECT", Name: "User"},
					},
				},
			},
			{
				Kind: "OBJECT",
				Name: "Mutation",
				Fields: []GQLField{
					{
						Name: "createUser",
						Args: []GQLInputValue{
							{Name: "input", Type: GQLTypeRef{Kind: "NON_NULL", OfType: &GQLTypeRef{Kind: "INPUT_OBJECT", Name: "UserInput"}}},
						},
						Type: GQLTypeRef{Kind: "OBJECT", Name: "User"},
					},
				},
			},
			{
				Kind: "OBJECT",
				Name: "User",
				Fields: []GQLField{
					{Name: "id", Type: GQLTypeRef{Kind: "NON_NULL", OfType: &GQLTypeRef{Kind: "SCALAR", Name: "ID"}}},
					{Name: "age", Type: GQLTypeRef{Kind: "SCALAR", Name: "Int"}},
					{Name: "role", Type: GQLTypeRef{Kind: "ENUM", Name: "Role"}},
				},
			},
			{
				Kind: "INPUT_OBJECT",
				Name: "UserInput",
				InputFields: []GQLInputValue{
					{Name: "name", Type: GQLTypeRef{Kind: "NON_NULL", OfType: &GQLTypeRef{Kind: "SCALAR", Name: "String"}}},
					{Name: "tags", Type: GQLTypeRef{Kind: "LIST", OfType: &GQLTypeRef{Kind: "SCALAR", Name: "String"}}},
				},
			},
			{
				Kind: "ENUM",
				Name: "Role",
				EnumValues: []GQLEnumValue{
					{Name: "ADMIN"}, {Name: "MEMBER"},
				},
			},
		},
	}
}

func TestGraphQLFieldTypes(t *testing.T) {
	schema := testGQLSchema()

	query := schema.RootFields(false)
	require.Len(t, query, 1)
	args, returns := GraphQLFieldTypes(schema, query[0])
	require.Equal(t, "{ id: string }", args)
	require.Equal(t, `{ id: string; age: number; role: "ADMIN" | "MEMBER" }`, returns)

	mutation := schema.RootFields(true)
	require.Len(t, mutation, 1)
	args, _ = GraphQLFieldTypes(schema, mutation[0])
	require.Equal(t, "{ input: { name: string; tags?: string[] } }", args)
}

func TestGraphQLEnumTruncation(t *testing.T) {
	var values []GQLEnumValue
	for i := 0; i < 12; i++ {
		values = append(values, GQLEnumValue{Name: fmt.Sprintf("V%d", i)})
	}
	schema := &GQLSchema{
		QueryType: &GQLTypeRef{Kind: "OBJECT", Name: "Query"},
		Types: []GQLType{
			{Kind: "OBJECT", Name: "Query", Fields: []GQLField{
				{Name: "status", Type: GQLTypeRef{Kind: "ENUM", Name: "Big"}},
			}},
			{Kind: "ENUM", Name: "Big", EnumValues: values},
		},
	}
	_, returns := GraphQLFieldTypes(schema, schema.RootFields(false)[0])
	require.Contains(t, returns, `"V7"`)
	require.NotContains(t, returns, `"V8"`)
	require.Contains(t, returns, "| ...")
}

func TestGraphQLInputDepthBound(t *testing.T) {
	// Self-referential input type must bottom out at the depth cap.
	schema := &GQLSchema{
		QueryType: &GQLTypeRef{Kind: "OBJECT", Name: "Query"},
		Types: []GQLType{
			{Kind: "OBJECT", Name: "Query", Fields: []GQLField{
				{
					Name: "search",
					Args: []GQLInputValue{
						{Name: "filter", Type: GQLTypeRef{Kind: "INPUT_OBJECT", Name: "Filter"}},
					},
					Type: GQLTypeRef{Kind: "SCALAR", Name: "String"},
				},
			}},
			{Kind: "INPUT_OBJECT", Name: "Filter", InputFields: []GQLInputValue{
				{Name: "not", Type: GQLTypeRef{Kind: "INPUT_OBJECT", Name: "Filter"}},
			}},
		},
	}
	args, _ := GraphQLFieldTypes(schema, schema.RootFields(false)[0])
	require.Contains(t, args, "{ [key: string]: unknown }")
}
