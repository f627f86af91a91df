package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"procodus.dev/easybus/pkg/conventions"
	"procodus.dev/easybus/pkg/message"
)

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "Print the naming conventions for a message type",
	Long: `Print the exchange, queue, routing key and error destinations the
default conventions derive for a message type name and subscriber id.`,
	RunE: runNames,
}

func init() {
	rootCmd.AddCommand(namesCmd)

	namesCmd.Flags().String("type", "", "serialized message type name (required)")
	namesCmd.Flags().String("subscriber", "", "subscriber id")
	namesCmd.Flags().String("routing-key", "", "routing key of a failed delivery")
	_ = namesCmd.MarkFlagRequired("type")
}

func runNames(cmd *cobra.Command, _ []string) error {
	typeName, _ := cmd.Flags().GetString("type")
	subscriber, _ := cmd.Flags().GetString("subscriber")
	routingKey, _ := cmd.Flags().GetString("routing-key")

	return printNames(cmd.OutOrStdout(), typeName, subscriber, routingKey)
}

func printNames(w io.Writer, typeName, subscriber, routingKey string) error {
	conv, err := conventions.New(conventions.StaticTypeName(typeName), nil)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"exchange", conv.ExchangeNaming(nil)},
		{"topic", conv.TopicNaming(nil)},
		{"queue", conv.QueueNaming(nil, subscriber)},
		{"rpc routing key", conv.RpcRoutingKeyNaming(nil)},
		{"rpc exchange", conv.RpcExchangeNaming()},
		{"error queue", conv.ErrorQueueNaming()},
		{"error exchange", conv.ErrorExchangeNaming(message.ReceivedInfo{RoutingKey: routingKey})},
		{"rpc return queue", conv.RpcReturnQueueNaming()},
		{"consumer tag", conv.ConsumerTagNaming()},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}
