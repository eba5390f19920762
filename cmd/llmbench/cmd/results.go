package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/internal/filetransfer"
)

var transferFlagKeys = map[string]string{
	"transfer.host":       "host",
	"transfer.port":       "port",
	"transfer.user":       "user",
	"transfer.key_path":   "key",
	"transfer.remote_dir": "remote-dir",
}

var (
	pullPattern string
	pullDest    string
	knownHosts  string
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Archive result files on the results host",
	Long: `Push result stores and session dumps to a results host over SFTP, list
what is archived there and pull files back for reporting.

The host and key come from the transfer section of the config file or from
RESULTS_HOST, RESULTS_USER and RESULTS_KEY_PATH.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return bindFlags(cmd.Flags(), transferFlagKeys)
	},
}

var resultsPushCmd = &cobra.Command{
	Use:   "push [files...]",
	Short: "Upload files into the archive",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResultsPush,
}

var resultsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download archived files matching a pattern",
	RunE:  runResultsPull,
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived files",
	RunE:  runResultsList,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsPushCmd)
	resultsCmd.AddCommand(resultsPullCmd)
	resultsCmd.AddCommand(resultsListCmd)

	pf := resultsCmd.PersistentFlags()
	pf.String("host", "", "Results host")
	pf.Int("port", 22, "SSH port")
	pf.String("user", "", "SSH user")
	pf.String("key", "", "Private key file")
	pf.String("remote-dir", "llmbench-results", "Archive directory on the results host")
	pf.StringVar(&knownHosts, "known-hosts", "", "known_hosts file for host key checks")

	resultsPullCmd.Flags().StringVar(&pullPattern, "pattern", filetransfer.DefaultPattern, "Glob of remote file names to pull")
	resultsPullCmd.Flags().StringVar(&pullDest, "dest", ".", "Local directory")
}

func newArchive() (*filetransfer.Archive, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	t := cfg.Transfer
	creds := filetransfer.Credentials{
		Host:       t.Host,
		Port:       t.Port,
		User:       t.User,
		KnownHosts: knownHosts,
	}
	if t.KeyPath == "" {
		return nil, fmt.Errorf("no private key configured; set --key or RESULTS_KEY_PATH")
	}
	if err := creds.LoadKey(t.KeyPath); err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer settings: %w", err)
	}
	return filetransfer.New(creds, t.RemoteDir, filetransfer.WithLogger(logger)), nil
}

func runResultsPush(cmd *cobra.Command, args []string) error {
	archive, err := newArchive()
	if err != nil {
		return err
	}
	written, err := archive.Push(cmd.Context(), args...)
	for _, p := range written {
		fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s\n", p)
	}
	return err
}

func runResultsPull(cmd *cobra.Command, args []string) error {
	archive, err := newArchive()
	if err != nil {
		return err
	}
	got, err := archive.Pull(cmd.Context(), pullPattern, pullDest)
	for _, p := range got {
		fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s\n", p)
	}
	if err == nil && len(got) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No files in %s match %s\n", archive.RemoteDir(), pullPattern)
	}
	return err
}

func runResultsList(cmd *cobra.Command, args []string) error {
	archive, err := newArchive()
	if err != nil {
		return err
	}
	files, err := archive.List(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(files)
	}
	if len(files) == 0 {
		fmt.Fprintf(w, "%s is empty.\n", archive.RemoteDir())
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Name, f.Size, f.ModTime.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
