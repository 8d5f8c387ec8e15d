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
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/relay/pkg/confirm"
	"github.com/teradata-labs/relay/pkg/policy"
	"github.com/teradata-labs/relay/pkg/router"
	"github.com/teradata-labs/relay/pkg/runtime"
	"github.com/teradata-labs/relay/pkg/scheduler"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Run:   runChat,
}

func runChat(cmd *cobra.Command, args []string) {
	store := newProfileStore()

	dir := chatsDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve home directory: %v\n", err)
			os.Exit(1)
		}
		dir = filepath.Join(home, ".llxprt", "chats")
	}

	bus := confirm.NewBus()
	defer bus.Shutdown()
	sched := scheduler.New(scheduler.Config{
		Policy: policy.NewEngine(policy.AskUser),
		Bus:    bus,
	})

	rtr := router.New(store)
	rtr.SetBus(bus)

	rt, err := runtime.New(runtime.Config{
		SessionID:   sessionID,
		ChatsDir:    dir,
		ProfileName: profileName,
		Router:      rtr,
		Scheduler:   sched,
		Bus:         bus,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start session: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go answerConfirmations(ctx, bus)

	fmt.Printf("relay %s | profile %s | session %s\n", rootCmd.Version, profileName, rt.SessionID())
	fmt.Println("Type a message and press enter. Ctrl-D to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		frames, err := rt.SubmitQuery(ctx, text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		for frame := range frames {
			if frame.Final {
				if summary, ok := frame.Metadata["summary"]; ok {
					fmt.Printf("\n[stopped: %v]\n", summary)
				} else {
					fmt.Println()
				}
				break
			}
			fmt.Print(frame.Content.Text())
		}
		usage := rt.Usage()
		fmt.Printf("[tokens: %d prompt, %d completion]\n", usage.PromptTokens, usage.CandidatesTokens)
	}
}

// answerConfirmations bridges confirmation requests onto the terminal. The
// chat prompt owns stdin, so approvals default to cancel after the bus
// timeout unless answered here via stderr prompting.
func answerConfirmations(ctx context.Context, bus *confirm.Bus) {
	sub := bus.Subscribe(ctx)
	for ev := range sub {
		msg := ev.Payload
		switch msg.Type {
		case confirm.ToolConfirmationRequest:
			name := ""
			if msg.ToolCall != nil {
				name = msg.ToolCall.Name
			}
			fmt.Fprintf(os.Stderr, "\nTool %q wants to run. Approve? [y/N/a(lways)]: ", name)
			var answer string
			fmt.Scanln(&answer)
			switch strings.ToLower(strings.TrimSpace(answer)) {
			case "y", "yes":
				bus.Respond(msg.CorrelationID, confirm.ProceedOnce, nil)
			case "a", "always":
				bus.Respond(msg.CorrelationID, confirm.ProceedAlways, nil)
			default:
				bus.Respond(msg.CorrelationID, confirm.Cancel, nil)
			}
		case confirm.ToolPolicyRejection:
			if msg.ToolCall != nil {
				fmt.Fprintf(os.Stderr, "\n[policy rejected tool %q: %s]\n", msg.ToolCall.Name, msg.Reason)
			}
		}
	}
}
