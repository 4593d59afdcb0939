package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"otto/internal/domain"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugin",
		Aliases: []string{"plugins"},
		Short:   "install and list sandboxed plugins",
	}
	cmd.AddCommand(newPluginInstallCmd(), newPluginListCmd())
	return cmd
}

// newPluginInstallCmd uploads a plugin directory: a manifest.json next to
// the Starlark entry file it names. Installation opens a review approval;
// the plugin only loads after `otto approval decide` approves it.
func newPluginInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <dir>",
		Short: "install a plugin from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			rawManifest, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var manifest domain.PluginManifest
			if err := json.Unmarshal(rawManifest, &manifest); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if manifest.Entry == "" {
				return fmt.Errorf("manifest has no entry file")
			}
			source, err := os.ReadFile(filepath.Join(dir, filepath.Base(manifest.Entry)))
			if err != nil {
				return fmt.Errorf("read entry: %w", err)
			}

			var resp struct {
				Plugin     *domain.Plugin `json:"plugin"`
				ApprovalID string         `json:"approval_id"`
			}
			err = newClient().post("/api/plugins", map[string]any{
				"manifest": manifest,
				"source":   string(source),
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s@%s\n", green("installed"), bold(resp.Plugin.Name), resp.Plugin.Version)
			fmt.Println(yellow("pending review: ") + "otto approval decide " + resp.ApprovalID)
			return nil
		},
	}
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list installed plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Plugins []*domain.Plugin `json:"plugins"`
			}
			if err := newClient().get("/api/plugins", &resp); err != nil {
				return err
			}
			if len(resp.Plugins) == 0 {
				fmt.Println(gray("no plugins installed"))
				return nil
			}
			for _, p := range resp.Plugins {
				state := yellow("unapproved")
				if p.Approved {
					state = green("approved")
				}
				fmt.Printf("%s@%s  %s  %d tools\n", bold(p.Name), p.Version, state, len(p.Manifest.Tools))
				if p.Manifest.Description != "" {
					fmt.Printf("  %s\n", gray(p.Manifest.Description))
				}
			}
			return nil
		},
	}
}
