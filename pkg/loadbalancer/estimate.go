// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loadbalancer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/teradata-labs/relay/pkg/types"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of a request plus its streamed
// response text. Used for TPM accounting when the provider returned no usage
// block. Falls back to a bytes/4 heuristic when the encoding is unavailable
// (offline, no cached BPE data).
func EstimateTokens(req *types.NormalizedRequest, responseText string) int {
	var text string
	if req != nil {
		text += req.SystemPrompt
		for _, c := range req.Contents {
			text += c.Text()
		}
	}
	text += responseText

	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}
