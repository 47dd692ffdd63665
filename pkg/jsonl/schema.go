package jsonl

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Line schemas gate what import will even look at. They pin the op
// vocabulary and id shape per log but leave unknown fields alone, so
// logs written by newer builds still load.
const (
	taskLineSchema = `{
		"type": "object",
		"required": ["v", "op", "ts"],
		"properties": {
			"v": {"type": "integer"},
			"op": {"enum": ["upsert", "delete", "dep_add", "dep_remove"]},
			"ts": {"type": "string"},
			"id": {"type": "string"},
			"data": {"type": "object"},
			"blockerId": {"type": "string"},
			"blockedId": {"type": "string"}
		},
		"allOf": [
			{
				"if": {"properties": {"op": {"const": "upsert"}}},
				"then": {"required": ["id", "data"]}
			},
			{
				"if": {"properties": {"op": {"const": "delete"}}},
				"then": {"required": ["id"]}
			},
			{
				"if": {"properties": {"op": {"enum": ["dep_add", "dep_remove"]}}},
				"then": {"required": ["blockerId", "blockedId"]}
			}
		]
	}`

	learningLineSchema = `{
		"type": "object",
		"required": ["v", "op", "ts", "id"],
		"properties": {
			"v": {"type": "integer"},
			"op": {"enum": ["learning_upsert", "delete"]},
			"ts": {"type": "string"},
			"id": {"type": "integer"},
			"data": {"type": "object"}
		},
		"allOf": [
			{
				"if": {"properties": {"op": {"const": "learning_upsert"}}},
				"then": {"required": ["data"]}
			}
		]
	}`

	fileLearningLineSchema = `{
		"type": "object",
		"required": ["v", "op", "ts", "id"],
		"properties": {
			"v": {"type": "integer"},
			"op": {"enum": ["file_learning_upsert", "delete"]},
			"ts": {"type": "string"},
			"id": {"type": "integer"},
			"data": {"type": "object"}
		},
		"allOf": [
			{
				"if": {"properties": {"op": {"const": "file_learning_upsert"}}},
				"then": {"required": ["data"]}
			}
		]
	}`

	attemptLineSchema = `{
		"type": "object",
		"required": ["v", "op", "ts", "id"],
		"properties": {
			"v": {"type": "integer"},
			"op": {"enum": ["attempt_upsert", "delete"]},
			"ts": {"type": "string"},
			"id": {"type": "integer"},
			"data": {"type": "object"}
		},
		"allOf": [
			{
				"if": {"properties": {"op": {"const": "attempt_upsert"}}},
				"then": {"required": ["data"]}
			}
		]
	}`
)

var lineSchemas = map[Kind]*jsonschema.Schema{
	KindTasks:         mustCompileLineSchema("tasks.schema.json", taskLineSchema),
	KindLearnings:     mustCompileLineSchema("learnings.schema.json", learningLineSchema),
	KindFileLearnings: mustCompileLineSchema("file-learnings.schema.json", fileLearningLineSchema),
	KindAttempts:      mustCompileLineSchema("attempts.schema.json", attemptLineSchema),
}

func mustCompileLineSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}
