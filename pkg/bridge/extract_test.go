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

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamforge/missionengine/pkg/engineerr"
)

func TestExtractJSON(t *testing.T) {
	type plan struct {
		Title string `json:"title"`
	}

	tests := []struct {
		name    string
		text    string
		want    []plan
		wantErr bool
	}{
		{
			name: "fenced json block",
			text: "Here is the plan:\n```json\n[{\"title\": \"a\"}, {\"title\": \"b\"}]\n```\nDone.",
			want: []plan{{Title: "a"}, {Title: "b"}},
		},
		{
			name: "bare fence",
			text: "```\n[{\"title\": \"a\"}]\n```",
			want: []plan{{Title: "a"}},
		},
		{
			name: "plain top-level array",
			text: `[{"title": "a"}]`,
			want: []plan{{Title: "a"}},
		},
		{
			name: "array surrounded by prose",
			text: `Sure, here you go: [{"title": "a"}] - let me know.`,
			want: []plan{{Title: "a"}},
		},
		{
			name:    "no json at all",
			text:    "I could not produce a plan.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			text:    "```json\n[{\"title\": }]\n```",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []plan
			err := ExtractJSON(tt.text, &got)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, engineerr.Is(err, engineerr.ParseFailure))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	var decision struct {
		Decision string `json:"decision"`
		Approach string `json:"approach"`
	}
	text := "Thinking it over...\n```json\n{\"decision\": \"retry\", \"approach\": \"use the cache\"}\n```"
	require.NoError(t, ExtractJSON(text, &decision))
	assert.Equal(t, "retry", decision.Decision)
	assert.Equal(t, "use the cache", decision.Approach)
}
