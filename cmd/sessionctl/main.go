// Command sessionctl manages a persisted session against an authpipe
// backend: log in, refresh, verify, show status and log out.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/eshaffer321/authpipe/pkg/authpipe"
	"github.com/eshaffer321/authpipe/pkg/errcode"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Config holds the resolved command line configuration
type Config struct {
	ConfigFile  string
	BaseURL     string
	SessionFile string
	Email       string
	Password    string
	MFACode     string
	TOTPSecret  string
	Verbose     bool
	JSON        bool
	Timeout     time.Duration
}

// StatusReport describes the stored session
type StatusReport struct {
	Command       string    `json:"command"`
	Authenticated bool      `json:"authenticated"`
	Valid         *bool     `json:"valid,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	ExpiresIn     string    `json:"expires_in,omitempty"`
	Refreshable   bool      `json:"refreshable"`
	Error         string    `json:"error,omitempty"`
	Code          string    `json:"code,omitempty"`
}

const usage = `Usage: sessionctl <command> [flags]

Commands:
  login     authenticate and store the session
  refresh   force a token refresh
  verify    ask the backend whether the stored token is accepted
  status    show the stored session without contacting the backend
  logout    revoke and remove the stored session

Flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags, config := newFlagSet()
	flags.SetOutput(stderr)

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}
	command := flags.Arg(0)

	client, err := newClient(ctx, config)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create client: %v\n", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	report, err := execute(ctx, client, command, config)
	if err != nil {
		report.Error = err.Error()
		if errcode.HasCode(err) {
			report.Code = errcode.CodeOf(err).Name()
		}
	}

	printReport(stdout, report, config.JSON)
	if err != nil {
		return 1
	}
	return 0
}

func newFlagSet() (*pflag.FlagSet, *Config) {
	config := &Config{}
	flags := pflag.NewFlagSet("sessionctl", pflag.ContinueOnError)

	home, _ := os.UserHomeDir()
	defaultSession := filepath.Join(home, ".authpipe", "session.json")

	flags.StringVarP(&config.ConfigFile, "config", "c", "", "YAML config file")
	flags.StringVar(&config.BaseURL, "base-url", os.Getenv("AUTHPIPE_BASE_URL"), "Backend base URL")
	flags.StringVar(&config.SessionFile, "session-file", defaultSession, "Session file path")
	flags.StringVarP(&config.Email, "email", "e", os.Getenv("AUTHPIPE_EMAIL"), "Login email")
	flags.StringVar(&config.Password, "password", os.Getenv("AUTHPIPE_PASSWORD"), "Login password")
	flags.StringVar(&config.MFACode, "mfa-code", "", "One-time MFA code")
	flags.StringVar(&config.TOTPSecret, "totp-secret", os.Getenv("AUTHPIPE_TOTP_SECRET"), "Base32 TOTP secret")
	flags.BoolVarP(&config.Verbose, "verbose", "v", false, "Verbose output")
	flags.BoolVar(&config.JSON, "json", false, "Print the report as JSON")
	flags.DurationVar(&config.Timeout, "timeout", 60*time.Second, "Overall command timeout")

	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}
	return flags, config
}

func newClient(ctx context.Context, config *Config) (*authpipe.Client, error) {
	opts := &authpipe.ClientOptions{}
	if config.ConfigFile != "" {
		fileConfig, err := authpipe.LoadConfig(config.ConfigFile)
		if err != nil {
			return nil, err
		}
		if opts, err = fileConfig.ClientOptions(ctx); err != nil {
			return nil, err
		}
	}

	// Flags override the config file
	if config.BaseURL != "" {
		opts.BaseURL = config.BaseURL
	}
	if opts.Store == nil && opts.SessionFile == "" {
		opts.SessionFile = config.SessionFile
	}
	if config.Verbose {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.DebugLevel)
		opts.Logger = authpipe.NewLogrusLogger(l)
	}
	if opts.RetryPolicy == nil {
		policy := authpipe.DefaultRetryPolicy()
		opts.RetryPolicy = &policy
	}

	return authpipe.NewClient(opts)
}

func execute(ctx context.Context, client *authpipe.Client, command string, config *Config) (*StatusReport, error) {
	report := &StatusReport{Command: command}
	tokens := client.TokenManager()

	switch command {
	case "login":
		if config.Email == "" || config.Password == "" {
			return report, errcode.New(errcode.ValidationMissingField, "--email and --password are required")
		}
		var err error
		switch {
		case config.MFACode != "":
			err = client.LoginWithMFA(ctx, config.Email, config.Password, config.MFACode)
		case config.TOTPSecret != "":
			err = client.LoginWithTOTP(ctx, config.Email, config.Password, config.TOTPSecret)
		default:
			err = client.Login(ctx, config.Email, config.Password)
		}
		if err != nil {
			return report, err
		}

	case "refresh":
		if _, err := tokens.ForceRefresh(ctx).Get(); err != nil {
			return report, err
		}

	case "verify":
		valid, err := client.Verify(ctx)
		if err != nil {
			return report, err
		}
		report.Valid = &valid

	case "status":

	case "logout":
		if err := client.Logout(ctx); err != nil {
			return report, err
		}

	default:
		return report, errcode.Newf(errcode.ValidationInvalidInput, "unknown command %q", command)
	}

	cred, err := tokens.Current(ctx)
	if err != nil {
		return report, nil
	}
	report.Authenticated = true
	report.ExpiresAt = cred.ExpiresAt
	report.ExpiresIn = time.Until(cred.ExpiresAt).Round(time.Second).String()
	report.Refreshable = cred.HasRefreshToken()
	return report, nil
}

func printReport(w io.Writer, report *StatusReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "Command:       %s\n", report.Command)
	fmt.Fprintf(w, "Authenticated: %t\n", report.Authenticated)
	if report.Valid != nil {
		fmt.Fprintf(w, "Valid:         %t\n", *report.Valid)
	}
	if report.Authenticated {
		fmt.Fprintf(w, "Expires at:    %s (%s)\n", report.ExpiresAt.Format(time.RFC3339), report.ExpiresIn)
		fmt.Fprintf(w, "Refreshable:   %t\n", report.Refreshable)
	}
	if report.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", report.Error)
	}
	fmt.Fprintln(w, strings.Repeat("=", 40))
}
