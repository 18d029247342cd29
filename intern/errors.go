// Copyright 2024 The Cockroach Authors
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

package intern

import "github.com/cockroachdb/errors"

// ErrAllocationFailure is returned, possibly wrapped, when a Table cannot
// obtain the larger slot array it needs. The table is left at its prior size
// and remains usable; test for it with errors.Is.
var ErrAllocationFailure = errors.New("intern: allocation failure")
