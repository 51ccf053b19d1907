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
	"encoding/json"
	"regexp"
	"strings"

	"github.com/teamforge/missionengine/pkg/engineerr"
)

// fencedJSON matches a ```json ... ``` block (or a bare ``` fence whose
// body parses as JSON).
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON locates the JSON the model was instructed to emit - a fenced
// ```json block``` or a plain top-level array/object - and unmarshals it
// into out. Planner and evaluator prompts rely on this; parse failures are
// safe-defaulted or fatal at the call site per the engine's error design,
// never here.
func ExtractJSON(text string, out any) error {
	candidates := make([]string, 0, 2)
	for _, match := range fencedJSON.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(match[1]))
	}

	// Tolerate plain JSON at top level too: take the widest slice between
	// the first bracket and the last matching close.
	trimmed := strings.TrimSpace(text)
	for _, pair := range [][2]string{{"[", "]"}, {"{", "}"}} {
		start := strings.Index(trimmed, pair[0])
		end := strings.LastIndex(trimmed, pair[1])
		if start >= 0 && end > start {
			candidates = append(candidates, trimmed[start:end+1])
		}
	}

	var lastErr error
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), out); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return engineerr.Wrap(engineerr.ParseFailure, "no parseable JSON in assistant text", lastErr)
	}
	return engineerr.New(engineerr.ParseFailure, "no JSON found in assistant text")
}
