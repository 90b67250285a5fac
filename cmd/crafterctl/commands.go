package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/h1v3-io/crafter/internal/api"
	"github.com/h1v3-io/crafter/internal/config"
	"github.com/h1v3-io/crafter/internal/logbuf"
	"github.com/h1v3-io/crafter/internal/scheduler"
	"github.com/h1v3-io/crafter/internal/ticketlog"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

func newRootCmd(version string) *cobra.Command {
	var apiURL, apiKey string

	cmd := &cobra.Command{
		Use:          "crafterctl",
		Short:        "crafterctl inspects and steers a running crafterd",
		SilenceUsage: true,
		Version:      version,
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("CRAFTER_API_URL", "http://localhost:8080"), "Daemon URL (env: CRAFTER_API_URL)")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CRAFTER_API_KEY"), "API key (env: CRAFTER_API_KEY)")

	connect := func() *client { return newClient(apiURL, apiKey) }

	cmd.AddCommand(newHealthCmd(connect))
	cmd.AddCommand(newThreadsCmd(connect))
	cmd.AddCommand(newShowCmd(connect))
	cmd.AddCommand(newApproveCmd(connect))
	cmd.AddCommand(newRejectCmd(connect))
	cmd.AddCommand(newResumeCmd(connect))
	cmd.AddCommand(newPRCmd(connect))
	cmd.AddCommand(newTicketsCmd(connect))
	cmd.AddCommand(newRequestCmd(connect))
	cmd.AddCommand(newLogsCmd(connect))
	cmd.AddCommand(newScheduleCmd(connect))
	cmd.AddCommand(newConfigCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	return cmd
}

func newHealthCmd(connect func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var raw json.RawMessage
			if err := connect().get(cmd.Context(), "/api/health", &raw); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(raw)))
			return nil
		},
	}
}

func newThreadsCmd(connect func() *client) *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List email threads and their lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var threads []api.ThreadView
			if err := connect().get(cmd.Context(), "/api/threads?"+q.Encode(), &threads); err != nil {
				return err
			}
			if len(threads) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no threads")
				return nil
			}
			rows := make([][]string, 0, len(threads))
			for _, t := range threads {
				rows = append(rows, []string{t.TicketID, string(t.State), truncate(t.Title, 40), humanize.Time(t.UpdatedAt), t.ID})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"TICKET", "STATE", "TITLE", "UPDATED", "THREAD"}, rows, 1))
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only threads in this state, e.g. AWAITING_APPROVAL")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show only the newest N threads")
	return cmd
}

func newShowCmd(connect func() *client) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <thread-or-ticket-id>",
		Short: "Show one thread with its plan and review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data json.RawMessage
			if err := connect().get(cmd.Context(), threadPath(args[0], ""), &data); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, prettyJSON(data))
				return nil
			}
			var t api.ThreadView
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			printThread(out, t)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "Print the raw JSON record")
	return cmd
}

func newApproveCmd(connect func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <thread-or-ticket-id>",
		Short: "Approve the proposed plan and start coding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, connect(), threadPath(args[0], "/approve"), nil)
		},
	}
}

func newRejectCmd(connect func() *client) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <thread-or-ticket-id>",
		Short: "Reject the proposed plan and ask for a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, connect(), threadPath(args[0], "/reject"), map[string]string{"feedback": feedback})
		},
	}
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "What the next plan should change")
	return cmd
}

func newResumeCmd(connect func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <thread-or-ticket-id>",
		Short: "Retry the stage a thread is stuck in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, connect(), threadPath(args[0], "/resume"), nil)
		},
	}
}

func newPRCmd(connect func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "pr <thread-or-ticket-id> <url>",
		Short: "Record the pull request opened for a ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, connect(), threadPath(args[0], "/pr"), map[string]string{"url": args[1]})
		},
	}
}

func newTicketsCmd(connect func() *client) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Show the ticket status log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var tickets []ticketlog.Entry
			if err := connect().get(cmd.Context(), "/api/tickets?"+q.Encode(), &tickets); err != nil {
				return err
			}
			if len(tickets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tickets")
				return nil
			}
			rows := make([][]string, 0, len(tickets))
			for _, e := range tickets {
				done := ""
				if e.CompletedDate != "" {
					done = e.CompletedDate + " " + e.CompletedTime
				}
				rows = append(rows, []string{
					e.TicketID, e.Status, truncate(e.Title, 36), e.RequestedBy,
					e.CreatedDate + " " + e.CreatedTime, done, e.PRURL,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"TICKET", "STATUS", "TITLE", "REQUESTED BY", "CREATED", "UPDATED", "PR"}, rows, 1))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only tickets with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show only the newest N tickets")
	return cmd
}

func newRequestCmd(connect func() *client) *cobra.Command {
	var in api.PostRequest
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit a change request without going through email",
		Long:  "Submit a change request without going through email. With --body - the body is read from stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in.Body == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				in.Body = string(data)
			}
			var resp map[string]string
			if err := connect().post(cmd.Context(), "/api/requests", in, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued as %s (message %s)\n", resp["job_id"], resp["message_id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&in.From, "from", envOr("CRAFTER_FROM", ""), "Requester address replies go to")
	cmd.Flags().StringVarP(&in.Subject, "subject", "s", "", "Request subject")
	cmd.Flags().StringVarP(&in.Body, "body", "b", "", "Request body, or - for stdin")
	cmd.Flags().StringVar(&in.InReplyTo, "in-reply-to", "", "Thread id this request replies to")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("body")
	return cmd
}

func newLogsCmd(connect func() *client) *cobra.Command {
	var threadID, level, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the daemon's recent log records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"thread": threadID, "level": level, "since": since} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var entries []logbuf.Entry
			if err := connect().get(cmd.Context(), "/api/logs?"+q.Encode(), &entries); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s %s %s%s\n",
					e.Time.Format("2006-01-02 15:04:05"),
					levelStyle(e.Level).Render(fmt.Sprintf("%-5s", e.Level)),
					e.Message, formatAttrs(e.Attrs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Only records for this thread id")
	cmd.Flags().StringVarP(&level, "level", "l", "", "Minimum level: debug, info, warn or error")
	cmd.Flags().StringVar(&since, "since", "", "Only records after this RFC 3339 time")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Number of records")
	return cmd
}

func newScheduleCmd(connect func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "List maintenance jobs and when they run next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var jobs []scheduler.Entry
			if err := connect().get(cmd.Context(), "/api/schedule", &jobs); err != nil {
				return err
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				next, prev := "-", "-"
				if !j.Next.IsZero() {
					next = humanize.Time(j.Next)
				}
				if !j.Prev.IsZero() {
					prev = humanize.Time(j.Prev)
				}
				rows = append(rows, []string{j.Name, j.Schedule, next, prev})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"JOB", "SCHEDULE", "NEXT", "LAST"}, rows, -1))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cmd
}

// --- Helpers ---

func submit(cmd *cobra.Command, c *client, path string, body any) error {
	var resp map[string]string
	if err := c.post(cmd.Context(), path, body, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued as %s for %s\n", resp["job_id"], resp["thread_id"])
	return nil
}

func threadPath(id, suffix string) string {
	return "/api/threads/" + url.PathEscape(id) + suffix
}

func printThread(w io.Writer, t api.ThreadView) {
	label := lipgloss.NewStyle().Bold(true)
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", label.Render(fmt.Sprintf("%-12s", name+":")), value)
		}
	}
	field("Ticket", t.TicketID)
	field("Thread", t.ID)
	fmt.Fprintf(w, "%s %s\n", label.Render(fmt.Sprintf("%-12s", "State:")), stateStyle(string(t.State)).Render(string(t.State)))
	field("Title", t.Title)
	field("Requester", t.Get(protocol.ExtraRequestedBy))
	field("Created", t.CreatedAt.Format("2006-01-02 15:04:05"))
	field("Updated", humanize.Time(t.UpdatedAt))
	field("Reason", t.Get(protocol.ExtraReason))
	field("Follows", t.Get(protocol.ExtraRefTicket))
	field("Fix passes", t.Get(protocol.ExtraFixPasses))
	field("PR", t.Get(protocol.ExtraPRURL))

	section := func(name, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(w, "\n%s\n%s\n", label.Render(name), strings.TrimSpace(body))
	}
	section("Plan", t.Plan)
	section("Feedback", t.Get(protocol.ExtraFeedback))
	section("Changes", t.Get(protocol.ExtraDiffSummary))
	section("Review", t.Get(protocol.ExtraReview))
}

// renderTable draws rows with a header. stateCol, when >= 0, is colored by
// lifecycle state.
func renderTable(headers []string, rows [][]string, stateCol int) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			if col == stateCol && row >= 0 && row < len(rows) {
				return s.Inherit(stateStyle(rows[row][col]))
			}
			return s
		}).
		String()
}

func stateStyle(state string) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch protocol.State(state) {
	case protocol.StateCompleted:
		return s.Foreground(lipgloss.Color("42"))
	case protocol.StateBlocked:
		return s.Foreground(lipgloss.Color("196"))
	case protocol.StateAwaitingApproval:
		return s.Foreground(lipgloss.Color("214")).Bold(true)
	default:
		return s.Foreground(lipgloss.Color("111"))
	}
}

func levelStyle(level string) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch strings.ToUpper(level) {
	case "ERROR":
		return s.Foreground(lipgloss.Color("196"))
	case "WARN":
		return s.Foreground(lipgloss.Color("214"))
	case "DEBUG":
		return s.Foreground(lipgloss.Color("240"))
	default:
		return s
	}
}

func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
