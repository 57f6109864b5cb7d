package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	friendsJSON  bool
	historyLimit int
	historyJSON  bool
	recentJSON   bool
)

func init() {
	friendsCmd.PersistentFlags().BoolVar(&friendsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultHistoryLimit, "Maximum number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	recentCmd.Flags().BoolVar(&recentJSON, "json", false, "Output raw JSON")

	friendsCmd.AddCommand(friendsAddCmd)
	friendsCmd.AddCommand(friendsRequestsCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsRejectCmd)
	friendsCmd.AddCommand(friendsRemoveCmd)
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(recentCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ============================================================================
// friends
// ============================================================================

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends and manage friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newClientRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		ctx, cancel := commandContext()
		defer cancel()

		users, err := rt.client.GetFriends(ctx, rt.user.ID)
		if err != nil {
			return fmt.Errorf("list friends: %s", chatsync.UserMessage(err))
		}
		store := chatsync.NewFriendStore()
		store.SetFriends(users)
		friends := store.Snapshot()
		if friendsJSON {
			return printJSON(friends)
		}
		if len(friends) == 0 {
			fmt.Println("No friends yet. Send a request with 'chatsync friends add <user-id>'.")
			return nil
		}
		for _, f := range friends {
			fmt.Printf("  %-20s %s\n", f.Username, f.ID)
		}
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newClientRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		ctx, cancel := commandContext()
		defer cancel()

		req, err := rt.client.SendFriendRequest(ctx, rt.user.ID, args[0])
		if err != nil {
			return fmt.Errorf("send friend request: %s", chatsync.UserMessage(err))
		}
		if friendsJSON {
			return printJSON(req)
		}
		fmt.Printf("Friend request %s sent to %s (%s)\n", req.ID, args[0], req.Status)
		return nil
	},
}

var friendsRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newClientRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		ctx, cancel := commandContext()
		defer cancel()

		reqs, err := rt.client.PendingFriendRequests(ctx, rt.user.ID)
		if err != nil {
			return fmt.Errorf("list friend requests: %s", chatsync.UserMessage(err))
		}
		if friendsJSON {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}
		for _, r := range reqs {
			from := r.SenderID
			if r.Sender != nil && r.Sender.Username != "" {
				from = r.Sender.Username
			}
			fmt.Printf("  %s  from %s\n", r.ID, from)
		}
		return nil
	},
}

func respondCommand(use, short string, accept bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newClientRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := commandContext()
			defer cancel()

			req, err := rt.client.RespondFriendRequest(ctx, args[0], accept)
			if err != nil {
				return fmt.Errorf("%s friend request: %s", use, chatsync.UserMessage(err))
			}
			fmt.Printf("Request %s is now %s\n", req.ID, req.Status)
			return nil
		},
	}
}

var (
	friendsAcceptCmd = respondCommand("accept", "Accept a friend request", true)
	friendsRejectCmd = respondCommand("reject", "Reject a friend request", false)
)

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newClientRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		ctx, cancel := commandContext()
		defer cancel()

		if err := rt.client.RemoveFriend(ctx, rt.user.ID, args[0]); err != nil {
			return fmt.Errorf("remove friend: %s", chatsync.UserMessage(err))
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

// ============================================================================
// history / recent
// ============================================================================

// messageJSON is the --json shape of a message.
type messageJSON struct {
	ID        string             `json:"id"`
	SenderID  string             `json:"sender_id"`
	Kind      chatsync.Kind      `json:"kind"`
	Content   string             `json:"content"`
	Media     *chatsync.MediaRef `json:"media,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Deleted   bool               `json:"deleted,omitempty"`
	EditedAt  *time.Time         `json:"edited_at,omitempty"`
}

func toMessageJSON(m chatsync.Message) messageJSON {
	return messageJSON{
		ID: m.ID, SenderID: m.SenderID, Kind: m.Kind, Content: m.DisplayContent(),
		Media: m.Media, CreatedAt: m.CreatedAt, Deleted: m.IsDeleted, EditedAt: m.EditedAt,
	}
}

// formatMessage renders one transcript line.
func formatMessage(m chatsync.Message, self string, names func(string) string) string {
	who := names(m.SenderID)
	if m.SenderID == self {
		who = "you"
	}
	content := m.DisplayContent()
	if m.Kind == chatsync.KindImage && !m.IsDeleted && m.Media != nil {
		content = chatsync.PhotoPreview + " " + m.Media.URL
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("Jan 2 15:04"), who, content)
	if m.EditedAt != nil && !m.IsDeleted {
		line += " (edited)"
	}
	if m.IsLocal() {
		line += " (sending)"
	}
	return line + "  #" + shortID(m.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		rt, err := newClientRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		ctx, cancel := commandContext()
		defer cancel()

		msgs, err := rt.client.GetConversation(ctx, rt.user.ID, peer, historyLimit)
		if err != nil {
			return fmt.Errorf("load history: %s", chatsync.UserMessage(err))
		}
		if historyJSON {
			out := make([]messageJSON, len(msgs))
			for i, m := range msgs {
				out[i] = toMessageJSON(m)
			}
			return printJSON(out)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		names := func(id string) string { return id }
		for _, m := range msgs {
			fmt.Println(formatMessage(m, rt.user.ID, names))
		}
		return nil
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newClientRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		ctx, cancel := commandContext()
		defer cancel()

		recent, err := rt.client.GetRecentConversations(ctx, rt.user.ID)
		if err != nil {
			return fmt.Errorf("list recent conversations: %s", chatsync.UserMessage(err))
		}
		sort.SliceStable(recent, func(i, j int) bool {
			return recent[i].LastMessage.CreatedAt.After(recent[j].LastMessage.CreatedAt)
		})
		if recentJSON {
			type row struct {
				Partner     chatsync.User `json:"partner"`
				LastMessage messageJSON   `json:"last_message"`
			}
			out := make([]row, len(recent))
			for i, r := range recent {
				out[i] = row{Partner: r.Partner, LastMessage: toMessageJSON(r.LastMessage)}
			}
			return printJSON(out)
		}
		for _, r := range recent {
			fmt.Printf("  %-20s %-12s %s\n", r.Partner.Username,
				humanize.Time(r.LastMessage.CreatedAt), r.LastMessage.Preview(chatsync.PreviewLength))
		}
		return nil
	},
}
