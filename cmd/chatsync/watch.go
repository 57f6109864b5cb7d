package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	watchWebhookAddr   string
	watchWebhookSecret string
	watchWebhookPath   string
)

func init() {
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Receive changes as signed webhooks on this address instead of the realtime socket")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", os.Getenv("CHATSYNC_WEBHOOK_SECRET"), "Shared secret for webhook signatures")
	watchCmd.Flags().StringVar(&watchWebhookPath, "webhook-path", "/webhook", "HTTP path of the webhook endpoint")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(answerCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications for incoming messages and calls",
	Long: "Run the notification gate for the signed-in user and print every\n" +
		"notification it raises until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signalContext()
		defer stop()

		var feed chatsync.Feed
		if watchWebhookAddr != "" {
			recv, err := chatsync.NewWebhookReceiver(watchWebhookSecret, chatsync.WithWebhookLogger(rt.logger))
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle(watchWebhookPath, recv.HTTPHandler())
			srv := &http.Server{Addr: watchWebhookAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					rt.logger.Error("webhook server stopped", zap.Error(err))
					stop()
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
			fmt.Fprintf(os.Stderr, "Receiving webhooks on %s%s\n", watchWebhookAddr, watchWebhookPath)
			feed = recv
		} else {
			rc, err := rt.realtime(ctx)
			if err != nil {
				return err
			}
			defer rc.Disconnect()
			feed = rc
		}

		sess := rt.session(feed, &chatsync.WriterNotifier{W: os.Stdout})
		if err := sess.Login(ctx, rt.user); err != nil {
			return fmt.Errorf("login: %s", chatsync.UserMessage(err))
		}
		defer sess.Logout(context.Background())

		if calls := sess.Calls(); calls != nil {
			calls.OnIncoming(func(c chatsync.Call) {
				fmt.Printf("📞 %s is calling (answer with: chatsync answer %s)\n",
					valueOrDefault(c.CallerName, c.CallerID), c.ID)
			})
		}

		fmt.Fprintf(os.Stderr, "Watching as %s. Press Ctrl-C to stop.\n", rt.user.Username)
		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// call / answer
// ============================================================================

// followCall prints status changes of call id until it ends or ctx is done,
// then hangs up if the call is still live.
func followCall(ctx context.Context, calls *chatsync.CallTracker, id string) error {
	done := make(chan chatsync.Call, 1)
	unregister := calls.OnChange(func(c chatsync.Call) {
		if c.ID != id {
			return
		}
		switch c.Status {
		case chatsync.CallActive:
			fmt.Println("Connected.")
		case chatsync.CallEnded:
			select {
			case done <- c:
			default:
			}
		}
	})
	defer unregister()

	// The call may have moved on before the listener was registered.
	if c, ok := calls.Get(id); ok && c.Status == chatsync.CallEnded {
		select {
		case done <- c:
		default:
		}
	}

	select {
	case c := <-done:
		fmt.Printf("Call ended (%s)\n", chatsync.FormatCallDuration(c.Duration(time.Now())))
		return nil
	case <-ctx.Done():
	}

	hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := calls.End(hctx, id)
	if err != nil {
		if errors.Is(err, chatsync.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("hang up: %s", chatsync.UserMessage(err))
	}
	fmt.Printf("Hung up (%s)\n", chatsync.FormatCallDuration(c.Duration(time.Now())))
	return nil
}

// withCalls logs in on a realtime session and runs fn with its call tracker.
func withCalls(fn func(ctx context.Context, name func(string) string, calls *chatsync.CallTracker) error) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	rc, err := rt.realtime(ctx)
	if err != nil {
		return err
	}
	defer rc.Disconnect()

	sess := rt.session(rc, chatsync.LogNotifier{Logger: rt.logger})
	if err := sess.Login(ctx, rt.user); err != nil {
		return fmt.Errorf("login: %s", chatsync.UserMessage(err))
	}
	defer sess.Logout(context.Background())

	calls := sess.Calls()
	if calls == nil {
		return errors.New("calls are not available on this backend")
	}
	name := func(id string) string {
		if n, ok := sess.Friends().DisplayName(id); ok {
			return n
		}
		return id
	}
	return fn(ctx, name, calls)
}

var callCmd = &cobra.Command{
	Use:   "call <peer>",
	Short: "Ring a peer and stay on the call until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		return withCalls(func(ctx context.Context, name func(string) string, calls *chatsync.CallTracker) error {
			c, err := calls.Initiate(ctx, peer)
			if err != nil {
				return fmt.Errorf("start call: %s", chatsync.UserMessage(err))
			}
			fmt.Printf("Calling %s... (Ctrl-C to hang up)\n", name(peer))
			return followCall(ctx, calls, c.ID)
		})
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <call-id>",
	Short: "Accept a ringing call and stay on it until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withCalls(func(ctx context.Context, name func(string) string, calls *chatsync.CallTracker) error {
			c, err := calls.Accept(ctx, id)
			if err != nil {
				return fmt.Errorf("answer call: %s", chatsync.UserMessage(err))
			}
			fmt.Printf("On a call with %s. (Ctrl-C to hang up)\n", name(c.CallerID))
			return followCall(ctx, calls, c.ID)
		})
	},
}
