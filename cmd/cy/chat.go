package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatyard/internal/assignment"
	"github.com/zulandar/chatyard/internal/chatstate"
	"github.com/zulandar/chatyard/internal/directory"
	"github.com/zulandar/chatyard/internal/models"
	"github.com/zulandar/chatyard/internal/transfer"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Inspect and correct chats",
	}

	cmd.AddCommand(newChatShowCmd())
	cmd.AddCommand(newChatHistoryCmd())
	cmd.AddCommand(newChatTransitionCmd())
	cmd.AddCommand(newChatStuckCmd())
	return cmd
}

func newChatShowCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Show a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			chat, err := chatstate.New(gdb, nil).Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, chat)
			}
			fmt.Fprintf(out, "Chat:       %s\n", chat.ID)
			fmt.Fprintf(out, "Status:     %s/%s\n", chat.Status, orDash(chat.Sub()))
			fmt.Fprintf(out, "Contact:    %s %s\n", chat.ContactAddress, chat.ContactName)
			fmt.Fprintf(out, "Endpoint:   %s\n", chat.ChannelID)
			fmt.Fprintf(out, "Agent:      %s\n", orDash(chat.Agent()))
			fmt.Fprintf(out, "Campaign:   %s\n", orDash(chat.CampaignID))
			fmt.Fprintf(out, "Priority:   %d\n", chat.Priority)
			fmt.Fprintf(out, "Transfers:  %d\n", chat.TransferCount)
			fmt.Fprintf(out, "Created:    %s\n", fmtTime(&chat.CreatedAt))
			fmt.Fprintf(out, "Activity:   %s\n", fmtTime(&chat.LastActivityAt))
			fmt.Fprintf(out, "Closed:     %s\n", fmtTime(chat.ClosedAt))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the chat as JSON")
	return cmd
}

func newChatHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Show a chat's transition audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			sm := chatstate.New(gdb, nil)
			ctx := context.Background()
			if _, err := sm.Get(ctx, args[0]); err != nil {
				return err
			}
			rows, err := sm.History(ctx, args[0])
			if err != nil {
				return err
			}
			var out [][]string
			for _, r := range rows {
				agent := ""
				if r.AgentID != nil {
					agent = *r.AgentID
				}
				out = append(out, []string{
					r.CreatedAt.UTC().Format(time.RFC3339),
					orDash(r.FromStatus) + "/" + orDash(deref(r.FromSubStatus)),
					r.ToStatus + "/" + orDash(deref(r.ToSubStatus)),
					r.TriggeredBy,
					orDash(agent),
					r.Reason,
				})
			}
			return table(cmd.OutOrStdout(), []string{"AT", "FROM", "TO", "BY", "AGENT", "REASON"}, out)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newChatTransitionCmd() *cobra.Command {
	var (
		configPath string
		to         string
		sub        string
		reason     string
		actor      string
	)

	cmd := &cobra.Command{
		Use:   "transition <chat-id>",
		Short: "Move a chat to another status as a supervisor",
		Long:  "Applies one transition through the state machine. The move must be allowed by the transition matrix.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !chatstate.ValidStatus(to) {
				return fmt.Errorf("unknown status %q", to)
			}
			_, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			if reason == "" {
				reason = "cli transition"
			}
			res, err := chatstate.New(gdb, nil).Transition(context.Background(), chatstate.Request{
				ChatID:      args[0],
				To:          to,
				SubStatus:   sub,
				Reason:      reason,
				TriggeredBy: models.TriggerSupervisor,
				AgentID:     actor,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat %s: %s -> %s/%s\n",
				res.Chat.ID, res.Transition.FromStatus, res.Chat.Status, orDash(res.Chat.Sub()))
			if res.ReleasedAgentID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Released slot of %s\n", res.ReleasedAgentID)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&to, "to", "", "target status (WAITING, BOT, ACTIVE, PENDING, RESOLVED, CLOSED)")
	cmd.Flags().StringVar(&sub, "sub", "", "target sub-status")
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	cmd.Flags().StringVar(&actor, "as", "", "supervisor ID recorded in the audit row")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newChatStuckCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List chats left in the transferring sub-status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			chats, err := transfer.New(chatstate.New(gdb, nil), nil).Stuck(context.Background(), olderThan)
			if err != nil {
				return err
			}
			now := time.Now()
			var rows [][]string
			for _, c := range chats {
				rows = append(rows, []string{c.ID, orDash(c.Agent()), ago(now, c.Since)})
			}
			return table(cmd.OutOrStdout(), []string{"CHAT", "AGENT", "STUCK"}, rows)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&olderThan, "older-than", stuckTransferAge, "minimum time in transferring")
	return cmd
}

func newQueueCmd() *cobra.Command {
	var (
		configPath string
		campaign   string
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List chats waiting for an agent, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			sm := chatstate.New(gdb, nil)
			svc := assignment.New(sm, directory.New(gdb, nil), false)
			chats, err := svc.WaitingQueue(context.Background(), campaign)
			if err != nil {
				return err
			}
			now := time.Now()
			var rows [][]string
			for _, c := range chats {
				rows = append(rows, []string{
					c.ID, c.Status + "/" + orDash(c.Sub()), strconv.Itoa(c.Priority),
					c.ContactAddress, c.ChannelID, ago(now, c.CreatedAt),
				})
			}
			return table(cmd.OutOrStdout(), []string{"CHAT", "STATUS", "PRIORITY", "CONTACT", "ENDPOINT", "WAITING"}, rows)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&campaign, "campaign", "", "only chats of this campaign")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
