// Copyright 2025 The Workshop Hub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import "github.com/pkg/errors"

var (
	// ErrPodLimitReached is returned by Resolve when creating another workshop
	// pod would exceed the global capacity cap. Surfaced as 503.
	ErrPodLimitReached = errors.New("workshop pod limit reached")

	// ErrPodNotReady is returned by Resolve when a freshly created pod did not
	// reach the Running phase within the readiness timeout. The pod has been
	// rolled back. Surfaced as 504.
	ErrPodNotReady = errors.New("workshop pod did not become ready in time")
)
