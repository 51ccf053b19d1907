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

package tool

// StaticToolset is a fixed set of in-process tools exposed under one
// extension name. Platform builtins (file tools, todo tools, the finalize
// control tool) are grouped this way before being handed to the Tool
// Connector.
type StaticToolset struct {
	name  string
	tools []Tool
}

// NewStaticToolset groups tools under name.
func NewStaticToolset(name string, tools ...Tool) *StaticToolset {
	return &StaticToolset{name: name, tools: tools}
}

func (s *StaticToolset) Name() string { return s.name }

func (s *StaticToolset) Tools(_ ReadonlyContext) ([]Tool, error) {
	return s.tools, nil
}

var _ Toolset = (*StaticToolset)(nil)
