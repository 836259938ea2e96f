package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/env"
	"github.com/nengo/nengo-gui/server"
	"github.com/nengo/nengo-gui/tui"
	"github.com/spf13/cobra"
)

const statusTimeout = 5 * time.Second

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the contexts and sessions of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := env.FlagOrEnv(cmd, "url", "NENGO_URL", "")
			password := env.FlagOrEnv(cmd, "password", envPassword, "")
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			st, err := fetchStatus(ctx, http.DefaultClient, base, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(tui.Out, renderStatus(st))
			return nil
		},
	}
	cmd.Flags().String("url", "http://localhost:"+strconv.Itoa(server.DefaultPort), "server address (env NENGO_URL)")
	cmd.Flags().StringP("password", "p", "", "server password (env "+envPassword+")")
	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, base, password string) (*server.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", base)
	}
	if password != "" {
		req.Header.Set("Authorization", "Bearer "+password)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "contacting %s", base)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var st server.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, errors.Wrap(err, "decoding status")
	}
	return &st, nil
}

func renderStatus(st *server.Status) string {
	contexts := make([][]string, 0, len(st.Contexts))
	for _, c := range st.Contexts {
		state := "paused"
		switch {
		case c.Halted:
			state = tui.Warning("halted")
		case c.Running:
			state = "running"
		}
		contexts = append(contexts, []string{
			c.Name, c.Model, state,
			strconv.FormatFloat(c.Time, 'f', 3, 64),
			strconv.Itoa(c.Subscribers),
		})
	}
	sessions := make([][]string, 0, len(st.Sessions))
	for _, s := range st.Sessions {
		sessions = append(sessions, []string{s.ID, s.Context, s.State, s.Codec, strconv.FormatBool(s.Subscribed), s.Idle})
	}
	var out strings.Builder
	out.WriteString(tui.Bold("uptime ") + st.Uptime)
	if st.Backend != "" {
		out.WriteString(tui.Muted("  backend ") + st.Backend)
	}
	out.WriteString("\n")
	out.WriteString(tui.Table([]string{"context", "model", "state", "time", "subscribers"}, contexts))
	out.WriteString("\n")
	if len(sessions) == 0 {
		out.WriteString(tui.Muted("no sessions"))
	} else {
		out.WriteString(tui.Table([]string{"session", "context", "state", "codec", "subscribed", "idle"}, sessions))
	}
	return out.String()
}
