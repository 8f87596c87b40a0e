package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xdg/cmdgate/internal/catalog"
	"github.com/xdg/cmdgate/internal/hostkey"
	"github.com/xdg/cmdgate/internal/prompt"
	"github.com/xdg/cmdgate/internal/term"
)

// Interactive prompts for host key changes. Tests replace them with mocks.
var (
	stdinPrompt                  = prompt.NewStdin(os.Stdin, os.Stderr)
	confirmer   prompt.Confirmer = stdinPrompt
	selector    prompt.Selector  = stdinPrompt
)

var hostkeysCmd = &cobra.Command{
	Use:   "hostkeys",
	Short: "Manage remembered SSH host keys",
	Long: `Manage the SSH host identities cmdgate has remembered.

The first key a host presents is trusted automatically. If the host later
presents a different key, the record is marked untrusted and connections are
refused until an operator re-trusts it (after checking the host) or forgets
it so the next key is trusted afresh.`,
}

var hostkeysListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List remembered host keys",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE:    runHostkeysList,
}

var hostkeysTrustCmd = &cobra.Command{
	Use:   "trust HOST[:PORT]",
	Short: "Trust a host key again",
	Long: `Mark a remembered host key as trusted again.

Use this after a key mismatch once you have confirmed the host's new key is
legitimate. When the host has several key types and --type is not given, you
are asked which one to trust.`,
	Args: cobra.ExactArgs(1),
	RunE: runHostkeysTrust,
}

var hostkeysForgetCmd = &cobra.Command{
	Use:   "forget HOST[:PORT]",
	Short: "Forget host keys",
	Long: `Delete remembered keys for a host. Without --type every key type for the
host is forgotten. The next connection trusts whatever key the host presents.`,
	Args: cobra.ExactArgs(1),
	RunE: runHostkeysForget,
}

var hostkeysExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print trusted host keys in known_hosts format",
	Args:  cobra.NoArgs,
	RunE:  runHostkeysExport,
}

var hostkeysFlags struct {
	keyType string
	yes     bool
}

func init() {
	for _, c := range []*cobra.Command{hostkeysTrustCmd, hostkeysForgetCmd} {
		c.Flags().StringVar(&hostkeysFlags.keyType, "type", "", "key type, e.g. ssh-ed25519")
		c.Flags().BoolVarP(&hostkeysFlags.yes, "yes", "y", false, "do not ask for confirmation")
	}
	hostkeysCmd.AddCommand(hostkeysListCmd, hostkeysTrustCmd, hostkeysForgetCmd, hostkeysExportCmd)
	rootCmd.AddCommand(hostkeysCmd)
}

// openVerifier returns the host key verifier and a closer for its audit log.
func openVerifier() (*hostkey.Verifier, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	auditLog, auditFile, err := openAudit(cfg.Audit.File)
	if err != nil {
		return nil, nil, err
	}
	if auditFile == nil {
		auditFile = io.NopCloser(nil)
	}
	return hostkey.NewVerifier(hostKeyStore(cfg), auditLog), auditFile, nil
}

// parseHostPort splits HOST[:PORT]; the port defaults to 22. IPv6
// addresses with a port use brackets: [2001:db8::1]:2222.
func parseHostPort(s string) (string, int, error) {
	if !strings.Contains(s, ":") || net.ParseIP(s) != nil {
		return s, catalog.DefaultSSHPort, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, port, nil
}

func runHostkeysList(cmd *cobra.Command, args []string) error {
	v, closer, err := openVerifier()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	records, err := v.Store().List(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		term.Println("No host keys recorded.")
		return nil
	}

	rows := [][]string{{"HOST", "PORT", "TYPE", "FINGERPRINT", "TRUSTED", "LAST SEEN", "REMARK"}}
	for _, r := range records {
		trusted := "yes"
		if !r.Trusted {
			trusted = "NO"
		}
		rows = append(rows, []string{
			r.Host,
			strconv.Itoa(r.Port),
			r.KeyType,
			r.SHA256,
			trusted,
			r.LastSeen.Local().Format(time.DateTime),
			r.Remark,
		})
	}
	term.Table(rows)
	return nil
}

func runHostkeysTrust(cmd *cobra.Command, args []string) error {
	host, port, err := parseHostPort(args[0])
	if err != nil {
		return err
	}
	v, closer, err := openVerifier()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx := cmd.Context()
	records, err := recordsFor(ctx, v, host, port)
	if err != nil {
		return err
	}

	rec, err := chooseRecord(records, hostkeysFlags.keyType)
	if err != nil {
		return err
	}

	if !hostkeysFlags.yes {
		q := fmt.Sprintf("Trust %s key %s for %s:%d?", rec.KeyType, rec.SHA256, host, port)
		ok, err := confirmer.Confirm(q, false)
		if err != nil {
			return err
		}
		if !ok {
			term.Println("Aborted.")
			return nil
		}
	}

	if err := v.Trust(ctx, host, port, rec.KeyType); err != nil {
		return err
	}
	term.Printf("Trusted %s key for %s:%d\n", rec.KeyType, host, port)
	return nil
}

func runHostkeysForget(cmd *cobra.Command, args []string) error {
	host, port, err := parseHostPort(args[0])
	if err != nil {
		return err
	}
	v, closer, err := openVerifier()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	what := "all keys"
	if hostkeysFlags.keyType != "" {
		what = hostkeysFlags.keyType + " key"
	}
	if !hostkeysFlags.yes {
		ok, err := confirmer.Confirm(fmt.Sprintf("Forget %s for %s:%d?", what, host, port), false)
		if err != nil {
			return err
		}
		if !ok {
			term.Println("Aborted.")
			return nil
		}
	}

	err = v.Forget(cmd.Context(), host, port, hostkeysFlags.keyType)
	if errors.Is(err, hostkey.ErrNotFound) {
		return fmt.Errorf("no host keys recorded for %s:%d", host, port)
	}
	if err != nil {
		return err
	}
	term.Printf("Forgot %s for %s:%d\n", what, host, port)
	return nil
}

func runHostkeysExport(cmd *cobra.Command, args []string) error {
	v, closer, err := openVerifier()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	records, err := v.Store().List(cmd.Context())
	if err != nil {
		return err
	}
	lines, err := hostkey.KnownHostsLines(records)
	if err != nil {
		return err
	}
	for _, l := range lines {
		term.Output("stdout", l+"\n")
	}
	return nil
}

func recordsFor(ctx context.Context, v *hostkey.Verifier, host string, port int) ([]hostkey.Record, error) {
	all, err := v.Store().List(ctx)
	if err != nil {
		return nil, err
	}
	var out []hostkey.Record
	for _, r := range all {
		if r.Host == host && r.Port == port {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no host keys recorded for %s:%d", host, port)
	}
	return out, nil
}

// chooseRecord picks the record to act on: the one matching keyType, the
// only record, or the operator's choice.
func chooseRecord(records []hostkey.Record, keyType string) (*hostkey.Record, error) {
	if keyType != "" {
		for i := range records {
			if records[i].KeyType == keyType {
				return &records[i], nil
			}
		}
		return nil, fmt.Errorf("no %s key recorded for %s:%d", keyType, records[0].Host, records[0].Port)
	}
	if len(records) == 1 {
		return &records[0], nil
	}

	options := make([]string, len(records))
	def := 0
	for i, r := range records {
		state := "trusted"
		if !r.Trusted {
			state = "untrusted"
			def = i
		}
		options[i] = fmt.Sprintf("%s %s (%s)", r.KeyType, r.SHA256, state)
	}
	i, err := selector.Select("Which key?", options, def)
	if err != nil {
		return nil, err
	}
	return &records[i], nil
}
