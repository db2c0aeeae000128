package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage/jsonfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig seeds a jsonfile database and returns the path of an
// odm.yml pointing at it
func writeConfig(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "blog.json")

	st, err := jsonfile.Open(dbPath)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "users", []document.Raw{
		{"_id": 1, "name": "ada", "age": 36},
		{"_id": 2, "name": "bob", "age": 17},
		{"_id": 3, "name": "cy", "age": 52},
	})
	require.NoError(t, err)
	_, err = st.Insert(ctx, "posts", []document.Raw{{"_id": "p1", "title": "hi", "author": map[string]any{"$id": 1, "$ref": "users"}}})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfgPath := filepath.Join(dir, "odm.yml")
	content := fmt.Sprintf("database: blog\nstorage:\n  driver: jsonfile\n  path: %s\ncommit:\n  batch_size: 25\n", dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decode(t *testing.T, out string) []map[string]any {
	t.Helper()
	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	return docs
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "odm", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, expected := range []string{"version", "config", "collections", "find", "count"} {
		assert.Contains(t, names, expected)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("no-color"))
}

func TestVersionCommand(t *testing.T) {
	Version, GitCommit, BuildDate, GoVersion = "1.0.0-test", "abc123", "2025-01-01", "go1.23"
	t.Cleanup(func() {
		Version, GitCommit, BuildDate, GoVersion = "dev", "unknown", "unknown", "unknown"
	})

	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "odm version: 1.0.0-test")
	assert.Contains(t, out, "Git commit: abc123")
	assert.Contains(t, out, "Build date: 2025-01-01")
	assert.Contains(t, out, "Go version: go1.23")
}

func TestConfigCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := run(t, "config", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration")
	assert.Contains(t, out, "Database:")
	assert.Contains(t, out, "blog")
	assert.Contains(t, out, "jsonfile")
	assert.Contains(t, out, filepath.Join(filepath.Dir(cfgPath), "blog.json"))
	assert.Contains(t, out, "25")
	assert.Contains(t, out, "off")
}

func TestConfigCommand_Invalid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "odm.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: mongo\n"), 0o644))

	_, stderr, err := run(t, "config", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, stderr, "CONFIGURATION ERROR")
	assert.Contains(t, stderr, "mongo")
}

func TestFindCommand_Table(t *testing.T) {
	cfgPath := writeConfig(t)

	out, stderr, err := run(t, "find", "users", "--config", cfgPath, "--sort", "name")
	require.NoError(t, err)
	assert.Empty(t, stderr)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"_id", "age", "name"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1", "36", "ada"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"3", "52", "cy"}, strings.Fields(lines[4]))
}

func TestFindCommand_Select(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := run(t, "find", "users", "--config", cfgPath, "--select", "name")
	require.NoError(t, err)
	assert.Contains(t, out, "ada")
	assert.NotContains(t, out, "age")
}

func TestFindCommand_JSON(t *testing.T) {
	cfgPath := writeConfig(t)

	tests := []struct {
		name  string
		args  []string
		names []string
	}{
		{name: "filter", args: []string{"--filter", `{"age": {"$gte": 18}}`, "--sort", "name"}, names: []string{"ada", "cy"}},
		{name: "sort and limit", args: []string{"--sort", "-age", "--limit", "1"}, names: []string{"cy"}},
		{name: "skip", args: []string{"--sort", "age", "--skip", "2"}, names: []string{"cy"}},
		{name: "numeric id", args: []string{"--id", "2"}, names: []string{"bob"}},
		{name: "no match", args: []string{"--filter", `{"name": "zed"}`}, names: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"find", "users", "--config", cfgPath, "--json"}, tt.args...)
			out, _, err := run(t, args...)
			require.NoError(t, err)

			docs := decode(t, out)
			var names []string
			for _, doc := range docs {
				names = append(names, doc["name"].(string))
			}
			assert.Equal(t, tt.names, names)
		})
	}
}

func TestFindCommand_EmbeddedValues(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := run(t, "find", "posts", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `{"$id":1,"$ref":"users"}`)
}

func TestFindCommand_UnknownCollection(t *testing.T) {
	cfgPath := writeConfig(t)

	out, stderr, err := run(t, "find", "usrs", "--config", cfgPath)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, stderr, "COLLECTION NOT FOUND")
	assert.Contains(t, stderr, "Did you mean: users")
}

func TestFindCommand_Errors(t *testing.T) {
	cfgPath := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing collection", args: []string{"find"}},
		{name: "bad filter", args: []string{"find", "users", "--filter", "{nope"}},
		{name: "negative limit", args: []string{"find", "users", "--limit", "-1"}},
		{name: "missing config", args: []string{"find", "users", "--config", filepath.Join(t.TempDir(), "none.yml")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if tt.name != "missing config" {
				args = append(args, "--config", cfgPath)
			}
			_, _, err := run(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestCountCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := run(t, "count", "users", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, _, err = run(t, "count", "users", "--config", cfgPath, "--filter", `{"age": {"$lt": 18}}`)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, _, err = run(t, "count", "comments", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestCollectionsCommand(t *testing.T) {
	cfgPath := writeConfig(t)

	out, _, err := run(t, "collections", "--config", cfgPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"Collection", "Documents"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"posts", "1"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"users", "3"}, strings.Fields(lines[3]))
}
