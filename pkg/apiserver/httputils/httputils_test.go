/*
Copyright 2023 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package httputils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/version"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    string
		status int
	}{
		{"no such target: iqn.2023-01.org.example:x", http.StatusNotFound},
		{"portal group Not Found", http.StatusNotFound},
		{"bad parameter: unknown protocol \"fc\"", http.StatusBadRequest},
		{"client version 9.0 is too new", http.StatusBadRequest},
		{"kernel went away", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, errors.New(tt.err))
			require.Equal(t, tt.status, w.Code)
			require.Contains(t, w.Body.String(), tt.err)
		})
	}
}

func TestFormValues(t *testing.T) {
	r := httptest.NewRequest("GET", "/target/list?verbose=yes&quiet=false", nil)
	require.NoError(t, ParseForm(r))
	require.True(t, BoolValue(r, "verbose"))
	require.False(t, BoolValue(r, "quiet"))
	require.False(t, BoolValue(r, "missing"))

	tag, err := Uint16Var(map[string]string{"tag": "42"}, "tag")
	require.NoError(t, err)
	require.Equal(t, uint16(42), tag)
	_, err = Uint16Var(map[string]string{"tag": "65536"}, "tag")
	require.Error(t, err)
}

func TestVersionFromContext(t *testing.T) {
	require.Equal(t, version.Version, VersionFromContext(context.Background()))
	ctx := context.WithValue(context.Background(), APIVersionKey, "0.9")
	require.Equal(t, "0.9", VersionFromContext(ctx))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusCreated, map[string]int{"a": 1}))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"a":1}`, w.Body.String())
}
