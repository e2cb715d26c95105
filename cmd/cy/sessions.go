package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatyard/internal/config"
	"github.com/zulandar/chatyard/internal/gateway/bridge"
)

// adminClient talks to the admin routes of a running server.
type adminClient struct {
	server string
	user   string
	http   *http.Client
}

type sessionFlags struct {
	server string
	user   string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.server, "server", "http://localhost:8080", "base URL of the Chatyard server")
	cmd.PersistentFlags().StringVar(&f.user, "user", os.Getenv("CHATYARD_USER"), "supervisor ID sent as X-User-ID (default $CHATYARD_USER)")
}

func (f *sessionFlags) client() (*adminClient, error) {
	if f.user == "" {
		return nil, fmt.Errorf("a supervisor ID is required (--user or CHATYARD_USER)")
	}
	return &adminClient{
		server: strings.TrimRight(f.server, "/"),
		user:   f.user,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.server+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.user)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	if into == nil {
		return nil
	}
	return json.Unmarshal(body, into)
}

func newSessionsCmd() *cobra.Command {
	var flags sessionFlags

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Administer bridge helper sessions on a running server",
	}
	flags.register(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var res struct {
				Sessions []bridge.SessionInfo `json:"sessions"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/admin/sessions", &res); err != nil {
				return err
			}
			var rows [][]string
			for _, s := range res.Sessions {
				rows = append(rows, []string{s.EndpointID, s.Status, strconv.Itoa(s.Port), strconv.Itoa(s.PID), orDash(s.PairingCode)})
			}
			return table(cmd.OutOrStdout(), []string{"ENDPOINT", "STATUS", "PORT", "PID", "PAIRING"}, rows)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "can-open",
		Short: "Report whether another session fits under bridge.max_sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var res struct {
				CanOpen bool `json:"can_open"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/admin/sessions/can-open", &res); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.CanOpen)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close-all",
		Short: "Close every live session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var res struct {
				Closed int `json:"closed"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/sessions/close-all", &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d session(s)\n", res.Closed)
			return nil
		},
	})

	for _, a := range []struct{ action, short string }{
		{"open", "Start or resume the session for an endpoint"},
		{"close", "Close an endpoint's session, keeping its pairing"},
		{"logout", "Close an endpoint's session and forget its pairing"},
	} {
		cmd.AddCommand(newSessionActionCmd(&flags, a.action, a.short))
	}
	cmd.AddCommand(newSessionsKillCmd(&flags))
	return cmd
}

func newSessionActionCmd(flags *sessionFlags, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <endpoint-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/sessions/"+args[0]+"/"+action, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], action)
			return nil
		},
	}
}

func newSessionsKillCmd(flags *sessionFlags) *cobra.Command {
	var (
		local      bool
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "kill <endpoint-id>",
		Short: "Force-kill an endpoint's helper process",
		Long:  "Kills the helper for an endpoint. With --local the pid file and process table are used directly, which also works when no server is running.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				m := bridge.NewManager(cfg.Bridge)
				defer m.Shutdown(context.Background())
				if err := m.ForceKill(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: helper killed\n", args[0])
				return nil
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/admin/sessions/"+args[0]+"/kill", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: kill ok\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "kill without going through the server")
	addConfigFlag(cmd, &configPath)
	return cmd
}
