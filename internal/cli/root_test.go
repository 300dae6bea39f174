package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "yaml", "version")
	assert.ErrorContains(t, err, "invalid format")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "brewkv")

	out, err = run(t, "--format", "json", "version")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "brewkv", v["name"])
}

func TestDemo(t *testing.T) {
	out, err := run(t, "--engine", "memory", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "MyTestDatabase version 3, tables [customers]")
	assert.Contains(t, out, "insert success")
	assert.Contains(t, out, "Name for SSN 2 is LU")
	assert.Contains(t, out, "Name for SSN 444-44-4444 is Bill")
	assert.Contains(t, out, "refused: email bill@company.com already belongs to 444-44-4444")
}

func TestTables(t *testing.T) {
	out, err := run(t, "--engine", "memory", "tables")
	require.NoError(t, err)
	assert.Contains(t, out, "customers (key ssn string)")
	assert.Contains(t, out, "index email on email unique")
	assert.Contains(t, out, "index name on name\n")
}

func TestRecordsPersistAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--engine", "pebble"}

	out, err := run(t, append(base, "put", `{"ssn":"9","name":"Bill","email":"b9@x","age":40}`)...)
	require.NoError(t, err)
	assert.Equal(t, "stored 9\n", out)

	out, err = run(t, append(base, "--format", "json", "get", "9")...)
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, float64(40), got[0]["age"])

	out, err = run(t, append(base, "scan", "--index", "name", "--value", "Bill")...)
	require.NoError(t, err)
	assert.Contains(t, out, "ssn=444-44-4444")
	assert.Contains(t, out, "ssn=9")

	out, err = run(t, append(base, "scan", "--index", "age", "--value", "40")...)
	assert.Error(t, err, "age is not indexed")
	assert.Empty(t, out)

	_, err = run(t, append(base, "put", "--add", `{"ssn":"9"}`)...)
	assert.ErrorContains(t, err, "exists")

	_, err = run(t, append(base, "delete", "9")...)
	require.NoError(t, err)
	_, err = run(t, append(base, "get", "9")...)
	assert.ErrorContains(t, err, "not found")
}

func TestScanValueNeedsIndex(t *testing.T) {
	_, err := run(t, "--engine", "memory", "scan", "--value", "Bill")
	assert.ErrorContains(t, err, "--value needs --index")
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 35.0, parseValue("35"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "Bill", parseValue("Bill"))
	assert.Equal(t, "x", parseValue(`"x"`))
	assert.Equal(t, "[1]", parseValue("[1]"))
}
