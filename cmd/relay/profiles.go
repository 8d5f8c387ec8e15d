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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/relay/pkg/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage provider profiles",
	Long:  `List, show, and delete the provider profiles relay routes through.`,
}

var listProfilesCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	Run:   runListProfiles,
}

var showProfileCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print one profile as JSON",
	Args:  cobra.ExactArgs(1),
	Run:   runShowProfile,
}

var deleteProfileCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	Run:   runDeleteProfile,
}

func init() {
	profilesCmd.AddCommand(listProfilesCmd)
	profilesCmd.AddCommand(showProfileCmd)
	profilesCmd.AddCommand(deleteProfileCmd)
}

func newProfileStore() *profile.Store {
	store, err := profile.NewStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runListProfiles(cmd *cobra.Command, args []string) {
	store := newProfileStore()
	names, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list profiles: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Println("No profiles found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tPROVIDER\tMODEL")
	for _, name := range names {
		p, err := store.Load(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t?\t?\t? (%v)\n", name, err)
			continue
		}
		kind := p.Type
		if kind == "" {
			kind = profile.TypeStandard
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, kind, p.Provider, p.Model)
	}
	w.Flush()
}

func runShowProfile(cmd *cobra.Command, args []string) {
	store := newProfileStore()
	p, err := store.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode profile: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func runDeleteProfile(cmd *cobra.Command, args []string) {
	store := newProfileStore()
	if err := store.Delete(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted profile %q\n", args[0])
}
