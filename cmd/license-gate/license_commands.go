package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rcourtman/pulse-license-gate/internal/config"
	"github.com/rcourtman/pulse-license-gate/internal/logging"
	"github.com/rcourtman/pulse-license-gate/pkg/licensing"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const maxStdinTokenSize = 64 << 10

var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
	readSecretFn = term.ReadPassword
)

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <token|->",
		Short: "Validate a license token without spending a use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, token, err := loadForToken(cmd, *configPath, args[0])
			if err != nil {
				return err
			}
			res := v.Validate(token, nowFn())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return errDenied
			}
			return nil
		},
	}
}

func newUseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "use <token|->",
		Short: "Spend one use of a license token and print its replacement",
		Long: `Spend one use of a license token. The printed new_token replaces the input
token; the input token keeps its old counter and must be discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, token, err := loadForToken(cmd, *configPath, args[0])
			if err != nil {
				return err
			}
			res := v.Consume(token, nowFn())
			if !res.Valid {
				res.Token = ""
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return errDenied
			}
			return nil
		},
	}
}

func newInfoCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info <token|->",
		Short: "Show the details of a license token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, token, err := loadForToken(cmd, *configPath, args[0])
			if err != nil {
				return err
			}
			info, err := v.Describe(token, nowFn())
			if err != nil {
				if perr := printJSON(cmd.OutOrStdout(), map[string]string{"error": licensing.PublicMessage(err)}); perr != nil {
					return perr
				}
				return errDenied
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the public license terms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			initCLILogging()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg.Terms())
		},
	}
}

func initCLILogging() {
	logging.Init(logging.Config{
		Format:    "console",
		Level:     "warn",
		Component: "license-gate",
	})
}

func loadForToken(cmd *cobra.Command, configPath, arg string) (*licensing.Validator, string, error) {
	initCLILogging()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	v, err := cfg.NewValidator()
	if err != nil {
		return nil, "", err
	}
	token, err := readToken(cmd, arg)
	if err != nil {
		return nil, "", err
	}
	return v, token, nil
}

// readToken returns arg, or reads the token from stdin when arg is "-".
// Terminal input is not echoed.
func readToken(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isTerminalFn(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "License token: ")
		raw, err := readSecretFn(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	raw, err := io.ReadAll(io.LimitReader(in, maxStdinTokenSize+1))
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if len(raw) > maxStdinTokenSize {
		return "", errors.New("token on stdin exceeds size limit")
	}
	return strings.TrimSpace(string(raw)), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
