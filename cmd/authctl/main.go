package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/org/authcore/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "authctl",
	Short: "Security core CLI",
	Long:  "A CLI for operating the authentication, session and threat-detection core.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(threatCmd())
	rootCmd.AddCommand(auditCmd())
}

// run executes fn and prints its result or error.
func run(fn func(c *Client) (map[string]any, error)) error {
	result, err := fn(newClient())
	if err != nil {
		printError(err.Error())
		return nil
	}
	printResult(result)
	return nil
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Server configuration commands"}

	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a server configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) == 1 {
				path = args[0]
			}
			c, found, err := config.Load(path)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s: no such file", path)
			}
			if err := c.Validate(); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%s: valid (production=%v, storage=%s)", path, c.Production, c.Storage.Driver))
			return nil
		},
	}

	cmd.AddCommand(checkCmd)
	return cmd
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Key custody commands"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the security core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.post("/v1/sys/init", nil) })
		},
	}

	unsealCmd := &cobra.Command{
		Use:   "unseal [key]",
		Short: "Provide an unseal key share",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) > 0 {
				key = args[0]
			} else {
				fmt.Print("Unseal Key (base64): ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				key = strings.TrimSpace(scanner.Text())
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/sys/unseal", map[string]any{"key": key})
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "seal-status",
		Short: "Show seal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/sys/seal-status") })
		},
	}

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal the security core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.put("/v1/sys/seal", nil) })
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate stored secrets and signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.post("/v1/sys/rotate", nil) })
		},
	}

	cmd.AddCommand(initCmd, unsealCmd, statusCmd, sealCmd, rotateCmd)
	return cmd
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with a service account and save the credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("account-id")
			secret, _ := cmd.Flags().GetString("secret")
			code, _ := cmd.Flags().GetString("totp")
			if secret == "" {
				secret = os.Getenv("AUTHCORE_SECRET")
			}
			client := newClient()
			result, err := client.post("/v1/auth/login", map[string]any{
				"account_id": id,
				"secret":     secret,
				"totp":       code,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			saveCredentials(result)
			printResult(map[string]any{"session_id": result["session_id"], "expires_at": result["expires_at"]})
			return nil
		},
	}
	cmd.Flags().String("account-id", "", "Service account ID")
	cmd.Flags().String("secret", "", "Account secret (or AUTHCORE_SECRET)")
	cmd.Flags().String("totp", "", "Current MFA code")
	return cmd
}

func saveCredentials(result map[string]any) {
	tok, ok := result["access_token"].(string)
	if !ok {
		return
	}
	cfg.Token = tok
	cfg.RefreshToken, _ = result["refresh_token"].(string)
	if err := saveConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Credentials saved to config.")
	}
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Credential commands"}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the current credential and show its claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/auth/verify") })
		},
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the saved refresh credential for a new pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/auth/refresh", map[string]any{"refresh_token": cfg.RefreshToken})
			if err != nil {
				printError(err.Error())
				return nil
			}
			saveCredentials(result)
			printResult(map[string]any{"session_id": result["session_id"], "expires_at": result["expires_at"]})
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <permission>",
		Short: "Check whether the current credential grants a permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/auth/check", map[string]any{"permission": args[0]})
			})
		},
	}

	issueCmd := &cobra.Command{
		Use:   "issue <actor-id>",
		Short: "Issue credentials for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			perms, _ := cmd.Flags().GetStringSlice("permission")
			level, _ := cmd.Flags().GetString("level")
			ttl, _ := cmd.Flags().GetString("session-ttl")
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/auth/credentials", map[string]any{
					"actor_id":       args[0],
					"role":           role,
					"permissions":    perms,
					"security_level": level,
					"session_ttl":    ttl,
				})
			})
		},
	}
	issueCmd.Flags().String("role", "", "Role template")
	issueCmd.Flags().StringSlice("permission", nil, "Extra permissions (action:resource)")
	issueCmd.Flags().String("level", "", "Security level")
	issueCmd.Flags().String("session-ttl", "", "Session TTL (e.g. 8h)")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if _, err := client.post("/v1/auth/logout", nil); err != nil {
				printError(err.Error())
				return nil
			}
			cfg.Token, cfg.RefreshToken = "", ""
			saveConfig() //nolint:errcheck
			printSuccess("Success! Session ended.")
			return nil
		},
	}

	cmd.AddCommand(verifyCmd, refreshCmd, checkCmd, issueCmd, logoutCmd)
	return cmd
}

// --- account ---

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Service account commands"}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a service account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			perms, _ := cmd.Flags().GetStringSlice("permission")
			ttl, _ := cmd.Flags().GetString("secret-ttl")
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/auth/accounts", map[string]any{
					"name":        args[0],
					"role":        role,
					"permissions": perms,
					"secret_ttl":  ttl,
				})
			})
		},
	}
	createCmd.Flags().String("role", "service", "Role template")
	createCmd.Flags().StringSlice("permission", nil, "Extra permissions (action:resource)")
	createCmd.Flags().String("secret-ttl", "", "Secret lifetime (e.g. 720h)")

	mfaCmd := &cobra.Command{
		Use:   "enroll-mfa",
		Short: "Enroll the current account in TOTP MFA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.post("/v1/auth/mfa/enroll", nil) })
		},
	}

	cmd.AddCommand(createCmd, mfaCmd)
	return cmd
}

// --- threat ---

func threatCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "threat", Short: "Threat detection commands"}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"category", "min-severity", "actor", "limit"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(queryName(name), v)
				}
			}
			if open, _ := cmd.Flags().GetBool("unresolved"); open {
				q.Set("unresolved", "true")
			}
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/threat/events?" + q.Encode()) })
		},
	}
	eventsCmd.Flags().String("category", "", "Threat category")
	eventsCmd.Flags().String("min-severity", "", "Minimum severity")
	eventsCmd.Flags().String("actor", "", "Actor ID")
	eventsCmd.Flags().String("limit", "", "Maximum events")
	eventsCmd.Flags().Bool("unresolved", false, "Only unresolved events")

	resolveCmd := &cobra.Command{
		Use:   "resolve <event-id>",
		Short: "Mark a security event resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/threat/events/"+url.PathEscape(args[0])+"/resolve", nil)
			})
		},
	}

	blockedCmd := &cobra.Command{
		Use:   "blocked",
		Short: "List blocked addresses and disabled actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/threat/blocked") })
		},
	}

	unblockCmd := &cobra.Command{
		Use:   "unblock <address>",
		Short: "Unblock a source address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/threat/unblock", map[string]any{"address": args[0]})
			})
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable <actor-id>",
		Short: "Re-enable a disabled actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/threat/enable", map[string]any{"actor_id": args[0]})
			})
		},
	}

	cmd.AddCommand(eventsCmd, resolveCmd, blockedCmd, unblockCmd, enableCmd)
	return cmd
}

func queryName(flag string) string {
	switch flag {
	case "actor":
		return "actor_id"
	default:
		return strings.ReplaceAll(flag, "-", "_")
	}
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit trail commands"}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := auditQuery(cmd)
			if view, _ := cmd.Flags().GetString("view"); view != "" {
				q.Set("view", view)
			}
			return run(func(c *Client) (map[string]any, error) { return c.get("/v1/audit/events?" + q.Encode()) })
		},
	}
	queryCmd.Flags().String("view", "", "Predefined view: security, compliance")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit events as JSON lines or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := auditQuery(cmd)
			format, _ := cmd.Flags().GetString("as")
			q.Set("format", format)
			out := os.Stdout
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := newClient().stream("/v1/audit/export?"+q.Encode(), out); err != nil {
				printError(err.Error())
			}
			return nil
		},
	}
	exportCmd.Flags().String("as", "jsonl", "Export format: jsonl, csv")
	exportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	for _, c := range []*cobra.Command{queryCmd, exportCmd} {
		c.Flags().String("actor", "", "Actor ID")
		c.Flags().String("category", "", "Comma-separated categories")
		c.Flags().String("since", "", "RFC 3339 start time")
		c.Flags().String("until", "", "RFC 3339 end time (exclusive)")
		c.Flags().String("limit", "", "Maximum events")
	}

	cmd.AddCommand(queryCmd, exportCmd)
	return cmd
}

func auditQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for _, name := range []string{"actor", "category", "since", "until", "limit"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			q.Set(queryName(name), v)
		}
	}
	return q
}
