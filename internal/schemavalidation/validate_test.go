package schemavalidation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name       string
	schemaPath string
	glob       string
}

func TestRecordingsMatchSchema(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []schemaCase{
		{
			name:       "replay-event",
			schemaPath: filepath.Join(repoRoot, "internal", "replay", "schema", "event-v1.schema.json"),
			glob:       filepath.Join(repoRoot, "internal", "replay", "testdata", "*.jsonl"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := compileSchema(t, tc.schemaPath)

			paths, err := filepath.Glob(tc.glob)
			if err != nil {
				t.Fatalf("glob: %v", err)
			}
			if len(paths) == 0 {
				t.Fatalf("no recordings match %s", tc.glob)
			}
			for _, path := range paths {
				validateLines(t, schema, path)
			}
		})
	}
}

func compileSchema(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func validateLines(t *testing.T, schema *jsonschema.Schema, path string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var instance any
		if err := json.Unmarshal([]byte(line), &instance); err != nil {
			t.Fatalf("%s:%d: unmarshal: %v", filepath.Base(path), lineNo, err)
		}
		if err := schema.Validate(instance); err != nil {
			t.Errorf("%s:%d: schema validation failed: %v", filepath.Base(path), lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read recording: %v", err)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
