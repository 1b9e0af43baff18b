package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowmq/burrow"
	"github.com/burrowmq/burrow/messaging"
	"github.com/burrowmq/burrow/transport"
)

var (
	version = "dev"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "burrow",
		Short:   "Publish to and consume from an AMQP broker",
		Long:    "Burrow is a small client for exercising a broker through the burrow runtime:\nit connects with failover and reconnects forever, so it keeps working across\nbroker restarts.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "burrow.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var publishTimeout time.Duration
	publishCmd := &cobra.Command{
		Use:   "publish <routing-key> <payload>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			pub, err := client.NewPublisher(client.PublisherConfig(), messaging.BasePublisherBehavior{}, nil)
			if err != nil {
				return fmt.Errorf("failed to start publisher: %w", err)
			}
			defer pub.Stop()

			// Wait for the transmission: tearing the client down right
			// after an asynchronous publish would drop the message.
			ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
			defer cancel()
			if err := pub.PublishSync(ctx, args[1], args[0]); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			return nil
		},
	}
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 10*time.Second, "How long to wait for the message to be transmitted")

	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume messages and print them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(configPath, verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			cons, err := client.NewConsumer(client.ConsumerConfig(), printBehavior{}, nil)
			if err != nil {
				return fmt.Errorf("failed to start consumer: %w", err)
			}
			defer cons.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "consuming as %s, press Ctrl+C to stop\n", cons.Tag())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sig:
				return nil
			case <-cons.Done():
				return cons.Err()
			}
		},
	}

	rootCmd.AddCommand(publishCmd, consumeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient(configPath string, verbose bool) (*burrow.Client, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := burrow.NewClientFromConfig(configPath, burrow.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return client, nil
}

// printBehavior writes every delivery to stdout and acknowledges it.
type printBehavior struct {
	messaging.BaseConsumerBehavior
}

func (printBehavior) HandleMessage(delivery transport.Delivery, given any) (any, error) {
	fmt.Printf("[%s] %s\n", delivery.RoutingKey(), delivery.Body())
	return given, delivery.Ack()
}
