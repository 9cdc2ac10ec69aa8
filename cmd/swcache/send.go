package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Post a message to the running worker",
	Long: `Post a page message to a running server, e.g.

  swcache send skipWaiting
  swcache send --structured SKIP_WAITING
  swcache send reload`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		structured, _ := cmd.Flags().GetBool("structured")
		msg := swcache.Bare(args[0])
		if structured {
			msg = swcache.Structured(args[0])
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		url := controlURL(cmd, cfg, "/message")
		client := &http.Client{Timeout: 10 * time.Second}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("post %s: %w", url, err)
		}
		defer resp.Body.Close()
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(reply)))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", color.GreenString("sent"), msg, strings.TrimSpace(string(reply)))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the registration state of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url := controlURL(cmd, cfg, "/status")
		client := &http.Client{Timeout: 10 * time.Second}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("get %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("get %s: %s", url, resp.Status)
		}

		var st struct {
			Active     *workerState        `json:"active"`
			Waiting    *workerState        `json:"waiting"`
			Installing *workerState        `json:"installing"`
			Clients    int                 `json:"clients"`
			Stores     []swcache.StoreInfo `json:"stores"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "active:     %s\n", st.Active)
		fmt.Fprintf(out, "waiting:    %s\n", st.Waiting)
		fmt.Fprintf(out, "installing: %s\n", st.Installing)
		fmt.Fprintf(out, "clients:    %d\n", st.Clients)
		active := ""
		if st.Active != nil {
			active = st.Active.Version
		}
		return renderStores(out, st.Stores, active)
	},
}

type workerState struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

func (w *workerState) String() string {
	if w == nil {
		return color.HiBlackString("none")
	}
	return fmt.Sprintf("%s (%s)", color.CyanString(w.Version), w.State)
}

func controlURL(cmd *cobra.Command, cfg swcache.Config, path string) string {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	return strings.TrimRight(addr, "/") + cfg.Server.ControlPrefix + path
}

func init() {
	sendCmd.Flags().Bool("structured", false, `send {"type": <message>} instead of a bare string`)
	for _, c := range []*cobra.Command{sendCmd, statusCmd} {
		c.Flags().String("addr", "", "server base URL (default http://127.0.0.1:<server.port>)")
	}
}
