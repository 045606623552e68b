// Command user-event-sim feeds the notification pipeline by hand: it
// publishes user lifecycle events to Kafka or calls notification-service's
// HTTP endpoints directly.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/kafkax"
	"github.com/md-rashed-zaman/usernotify/libs/userevent"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	brokers  string
	topic    string
	typ      string
	email    string
	name     string
	userID   int64
	count    int
	interval time.Duration
}

type notifyOptions struct {
	baseURL string
	kind    string
	email   string
	name    string
	subject string
	content string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "user-event-sim",
		Short:        "Drive the user notification pipeline by hand",
		SilenceUsage: true,
	}
	root.AddCommand(newPublishCmd(), newNotifyCmd())
	return root
}

func newPublishCmd() *cobra.Command {
	opts := publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish user events to Kafka (any --type, known or not)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			writer := kafkax.NewWriter(opts.brokers)
			defer writer.Close()
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			p := userevent.NewPublisher(writer, logger, userevent.PublisherConfig{Topic: opts.topic})
			return publishEvents(cmd.Context(), p, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.brokers, "brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "comma-separated Kafka brokers")
	f.StringVar(&opts.topic, "topic", getenv("KAFKA_TOPIC", userevent.DefaultTopic), "topic to publish to")
	f.StringVar(&opts.typ, "type", string(userevent.TypeCreated), "event type, e.g. USER_CREATED, USER_DELETED, USER_RENAMED")
	f.StringVar(&opts.email, "email", "", "recipient email (required)")
	f.StringVar(&opts.name, "name", "", "user display name")
	f.Int64Var(&opts.userID, "user-id", 1, "user id")
	f.IntVar(&opts.count, "count", 1, "number of events to publish")
	f.DurationVar(&opts.interval, "interval", 0, "pause between events")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

type eventPublisher interface {
	Publish(ctx context.Context, evt userevent.Event) error
}

func publishEvents(ctx context.Context, p eventPublisher, opts publishOptions, out io.Writer) error {
	if strings.TrimSpace(opts.email) == "" {
		return fmt.Errorf("--email is required")
	}
	if opts.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	for i := 0; i < opts.count; i++ {
		evt := userevent.Event{
			Type:     userevent.Type(strings.ToUpper(strings.TrimSpace(opts.typ))),
			Email:    strings.TrimSpace(opts.email),
			UserName: opts.name,
			UserID:   opts.userID,
		}
		if err := p.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish %d/%d: %w", i+1, opts.count, err)
		}
		fmt.Fprintf(out, "published %s for %s (%d/%d)\n", evt.Type, evt.Email, i+1, opts.count)
		if opts.interval > 0 && i+1 < opts.count {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}
	}
	return nil
}

func newNotifyCmd() *cobra.Command {
	opts := notifyOptions{}
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Call notification-service HTTP endpoints (raw, user-created, user-deleted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildNotifyRequest(cmd.Context(), opts)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Status, strings.TrimSpace(string(body)))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", getenv("BASE_URL", "http://localhost:8085"), "notification-service base url")
	f.StringVar(&opts.kind, "kind", "raw", "raw, user-created or user-deleted")
	f.StringVar(&opts.email, "email", "", "recipient email (required)")
	f.StringVar(&opts.name, "name", "", "user display name for lifecycle kinds")
	f.StringVar(&opts.subject, "subject", "Test", "subject for raw emails")
	f.StringVar(&opts.content, "content", "Test message", "body for raw emails")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func buildNotifyRequest(ctx context.Context, opts notifyOptions) (*http.Request, error) {
	base := strings.TrimRight(opts.baseURL, "/") + "/api/notifications/email"
	switch opts.kind {
	case "raw":
		payload, err := json.Marshal(map[string]string{
			"to":      opts.email,
			"subject": opts.subject,
			"content": opts.content,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	case "user-created", "user-deleted":
		q := url.Values{}
		q.Set("email", opts.email)
		if opts.name != "" {
			q.Set("userName", opts.name)
		}
		return http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+opts.kind+"?"+q.Encode(), nil)
	default:
		return nil, fmt.Errorf("unknown --kind %q", opts.kind)
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
