// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridgetest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, out string) []map[string]any {
	t.Helper()
	var resps []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		resps = append(resps, m)
	}
	return resps
}

func TestServe_Session(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"id":1,"op":"load","model":{"model_path":"/m","backend":"hf-causal"}}`,
		`{"id":2,"op":"evaluate","task":{"task":"x","title":"binding","seed":12}}`,
		`{"id":3,"op":"aoa","analysis":{"backend":"hf-causal","batch_size":32}}`,
		`{"id":4,"op":"shutdown"}`,
	}, "\n"))
	var out, errOut bytes.Buffer

	code := Serve(in, &out, &errOut, Behavior{Accuracy: 0.25})
	require.Equal(t, 0, code)

	resps := decodeAll(t, out.String())
	require.Len(t, resps, 4)
	for i, r := range resps {
		assert.Equal(t, float64(i+1), r["id"])
		assert.Equal(t, true, r["ok"])
	}
	assert.Equal(t, 0.25, resps[1]["acc"])
	assert.NotNil(t, resps[2]["average_surprisals"])
}

func TestServe_EvaluateBeforeLoad(t *testing.T) {
	in := strings.NewReader(`{"id":1,"op":"evaluate","task":{"title":"binding"}}` + "\n")
	var out bytes.Buffer

	Serve(in, &out, &bytes.Buffer{}, Behavior{})

	resps := decodeAll(t, out.String())
	assert.Equal(t, false, resps[0]["ok"])
}

func TestEnv_RoundTrip(t *testing.T) {
	env := Env(Behavior{Accuracy: 0.5, FailTitles: []string{"a"}})

	var b Behavior
	require.NoError(t, json.Unmarshal([]byte(env[EnvBehavior]), &b))
	assert.Equal(t, 0.5, b.Accuracy)
	assert.Equal(t, []string{"a"}, b.FailTitles)
}

func TestServe_StartupError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Serve(strings.NewReader(`{"id":1,"op":"load"}`+"\n"), &out, &errOut, Behavior{StartupError: "ImportError: torch"})

	assert.Equal(t, 1, code)
	assert.Empty(t, out.String())
	assert.Equal(t, "ImportError: torch\n", errOut.String())
}
