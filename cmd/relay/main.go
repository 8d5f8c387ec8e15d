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
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/relay/internal/version"
)

var (
	profileName string
	sessionID   string
	chatsDir    string
)

var rootCmd = &cobra.Command{
	Use:     "relay",
	Short:   "Relay - multi-provider LLM request orchestration",
	Long:    `Relay routes chat requests to OpenAI, Anthropic, or Gemini backends through named profiles, with load balancing, tool scheduling, and session journaling.`,
	Version: version.Get(),
}

func init() {
	rootCmd.Run = runChat
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "default", "Profile to route requests through")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "Resume existing session ID")
	rootCmd.PersistentFlags().StringVar(&chatsDir, "chats-dir", "", "Directory for session journals (defaults to ~/.llxprt/chats)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
